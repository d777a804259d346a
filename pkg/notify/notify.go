// Package notify reports version ingestion progress to an external chat
// webhook. Channels emit a message when a version starts processing and
// upgrade that same message on success or failure.
package notify

// Notifier receives per-version lifecycle events. The key is the version
// identifier; desc is its human-readable description.
type Notifier interface {
	// Waiting reports that a version was seen upstream but is not ready
	// to ingest yet.
	Waiting(key, desc, reason string)
	// Processing reports that ingestion of a version has started.
	Processing(key, desc string)
	// Success reports that a version was fully ingested. It replaces a
	// prior Processing message for the same key.
	Success(key, desc string)
	// Failed reports that a version could not be ingested. The detail is
	// an optional longer message (e.g. an error chain).
	Failed(key, desc, reason, detail string)
	// NewVersion announces a freshly published version.
	NewVersion(key, desc string)
}

type discard struct{}

// Discard returns a Notifier that drops every event.
func Discard() Notifier {
	return discard{}
}

func (discard) Waiting(_, _, _ string)   {}
func (discard) Processing(_, _ string)   {}
func (discard) Success(_, _ string)      {}
func (discard) Failed(_, _, _, _ string) {}
func (discard) NewVersion(_, _ string)   {}
