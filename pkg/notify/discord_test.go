package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordProcessingThenSuccessEditsMessage(t *testing.T) {
	type call struct {
		method  string
		path    string
		content string
	}
	var calls []call

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload struct {
			Content string `json:"content"`
		}
		require.NoError(t, json.Unmarshal(body, &payload))
		calls = append(calls, call{r.Method, r.URL.Path, payload.Content})

		if r.Method == http.MethodPost {
			require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"id": "msg1"}))
		}
	}))
	defer srv.Close()

	log := logrus.New()
	log.Out = io.Discard
	d := NewDiscord(srv.URL+"/webhook", "owner/repo:release", log)

	d.Processing("v1.0.0", "First release")
	d.Success("v1.0.0", "First release")
	// A second lifecycle for the same key starts a fresh message.
	d.Processing("v1.0.0", "First release")

	require.Len(t, calls, 3)
	assert.Equal(t, http.MethodPost, calls[0].method)
	assert.Contains(t, calls[0].content, "Processing")

	assert.Equal(t, http.MethodPatch, calls[1].method)
	assert.Equal(t, "/webhook/messages/msg1", calls[1].path)
	assert.Contains(t, calls[1].content, "Successfully included")
	assert.Contains(t, calls[1].content, "owner/repo:release")

	assert.Equal(t, http.MethodPost, calls[2].method)
}
