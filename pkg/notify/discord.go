package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
)

// Discord posts lifecycle messages to a Discord webhook. A Processing
// message is posted with ?wait=true so the returned message id can be
// edited in place when the terminal Success/Failed event arrives.
type Discord struct {
	webhookURL string
	scope      string // channel description prefixed to messages
	http       *http.Client
	log        logrus.FieldLogger

	mu       sync.Mutex
	messages map[string]string // version key -> discord message id
}

// NewDiscord creates a Discord notifier for one channel. The scope string
// (e.g. "owner/repo:release") is appended to every message.
func NewDiscord(webhookURL, scope string, log logrus.FieldLogger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		scope:      scope,
		http:       &http.Client{},
		log:        log.WithField("module", "notify"),
		messages:   make(map[string]string),
	}
}

func (d *Discord) Waiting(key, desc, reason string) {
	d.post(key, fmt.Sprintf("🔁 Waiting %s for `%s` (`%s`) [`%s`]", reason, key, desc, d.scope), false)
}

func (d *Discord) Processing(key, desc string) {
	d.post(key, fmt.Sprintf("🔁 Processing `%s` (`%s`) [`%s`]", key, desc, d.scope), false)
}

func (d *Discord) Success(key, desc string) {
	d.post(key, fmt.Sprintf("✅ Successfully included `%s` (`%s`) [`%s`]", key, desc, d.scope), true)
}

func (d *Discord) Failed(key, desc, reason, detail string) {
	msg := fmt.Sprintf("❌ Failed to include `%s` (`%s`) because: %q [`%s`]", key, desc, reason, d.scope)
	if detail != "" {
		msg += "\n```\n" + truncate(detail, 1500) + "\n```"
	}
	d.post(key, msg, true)
}

func (d *Discord) NewVersion(key, desc string) {
	d.post(key, fmt.Sprintf("📥 New version `%s` (`%s`) is available on channel `%s`", key, desc, d.scope), true)
}

// post sends or edits the message tracked for key. Terminal events drop
// the tracked id afterwards so a later lifecycle starts a fresh message.
func (d *Discord) post(key, content string, terminal bool) {
	d.mu.Lock()
	messageID, tracked := d.messages[key]
	if terminal {
		delete(d.messages, key)
	}
	d.mu.Unlock()

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return
	}

	if tracked {
		d.edit(messageID, body)
		return
	}

	resp, err := d.http.Post(d.webhookURL+"?wait=true", "application/json", bytes.NewReader(body))
	if err != nil {
		d.log.Warnf("post webhook message: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.log.Warnf("post webhook message: status %s", resp.Status)
		return
	}

	if terminal {
		return
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || created.ID == "" {
		return
	}
	d.mu.Lock()
	d.messages[key] = created.ID
	d.mu.Unlock()
}

func (d *Discord) edit(messageID string, body []byte) {
	req, err := http.NewRequest(http.MethodPatch, d.webhookURL+"/messages/"+messageID, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.http.Do(req)
	if err != nil {
		d.log.Warnf("edit webhook message: %v", err)
		return
	}
	resp.Body.Close()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
