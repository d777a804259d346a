package stats

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	log := logrus.New()
	log.Out = io.Discard
	s, err := Open(filepath.Join(t.TempDir(), "stats.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestIncrement(t *testing.T) {
	s := openTestStore(t)

	assert.EqualValues(t, 0, s.Count("owner/repo:release", "v1", "jar"))

	s.Increment("owner/repo:release", "v1", "jar", "curl/8.0")
	s.Increment("owner/repo:release", "v1", "jar", "curl/8.0")
	s.Increment("owner/repo:release", "v1", "jar", "Wget/1.21")
	s.Increment("owner/repo:release", "v2", "jar", "curl/8.0")

	assert.EqualValues(t, 3, s.Count("owner/repo:release", "v1", "jar"), "summed over user agents")
	assert.EqualValues(t, 1, s.Count("owner/repo:release", "v2", "jar"))
	assert.EqualValues(t, 0, s.Count("owner/repo:release", "v1", "src"))

	assert.EqualValues(t, 2, s.CountByAgent("owner/repo:release", "v1", "jar", "curl/8.0"))
	assert.EqualValues(t, 1, s.CountByAgent("owner/repo:release", "v1", "jar", "Wget/1.21"))
	assert.EqualValues(t, 0, s.CountByAgent("owner/repo:release", "v1", "jar", "Python-urllib/3.11"))
}
