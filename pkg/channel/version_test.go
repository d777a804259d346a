package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionLookups(t *testing.T) {
	v := NewVersion("v1", "First", []*Artifact{
		NewArtifact("jar", "app-v1.jar", "/tmp/app-v1.jar", "abcd", 4, []byte("data")),
		NewArtifact("src", "src-v1.zip", "/tmp/src-v1.zip", "ef01", 3, nil),
	})

	byID, ok := v.Artifact("jar")
	require.True(t, ok)
	byName, ok := v.ArtifactByFileName("app-v1.jar")
	require.True(t, ok)
	assert.Same(t, byID, byName)

	_, ok = v.Artifact("missing")
	assert.False(t, ok)

	assert.Len(t, v.Artifacts(), 2)
	assert.Equal(t, "jar", v.Artifacts()[0].Identifier, "configured order is preserved")
}

func TestVersionExpireFiresOnce(t *testing.T) {
	v := NewVersion("v1", "First", []*Artifact{
		NewArtifact("jar", "app-v1.jar", "/tmp/app-v1.jar", "abcd", 4, []byte("data")),
	})
	require.False(t, v.Expiring())

	first := time.Now().Add(time.Hour)
	v.expire(first)
	assert.True(t, v.Expiring())
	a, _ := v.Artifact("jar")
	assert.Nil(t, a.Content(), "expiry drops in-memory content immediately")

	until, ok := v.ExpiresAt()
	require.True(t, ok)
	assert.Equal(t, first, until)

	// A second transition must not move the deadline.
	v.expire(first.Add(time.Hour))
	until, _ = v.ExpiresAt()
	assert.Equal(t, first, until)
}
