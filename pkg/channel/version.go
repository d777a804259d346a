package channel

import (
	"time"
)

// graceWindow is how long an expiring version's disk files outlive its
// eviction, so in-flight downloads that resolved to it by identifier can
// still complete.
const graceWindow = 6 * time.Hour

// Artifact is one named, checksummed file belonging to a Version. The
// in-memory content is dropped when the owning version starts expiring;
// everything else is immutable after construction.
type Artifact struct {
	Identifier string
	FileName   string
	Size       int64
	Path       string
	SHA256     string

	content []byte
}

// NewArtifact constructs an Artifact. Content may be nil when the version's
// rank puts it outside the memory-resident window.
func NewArtifact(identifier, fileName, path, sha256 string, size int64, content []byte) *Artifact {
	return &Artifact{
		Identifier: identifier,
		FileName:   fileName,
		Size:       size,
		Path:       path,
		SHA256:     sha256,
		content:    content,
	}
}

// Content returns the in-memory copy of the artifact, or nil if the
// artifact is disk-only.
func (a *Artifact) Content() []byte {
	return a.content
}

// Version is one ingested upstream release or workflow run.
type Version struct {
	Identifier  string
	Description string

	artifacts    []*Artifact // configured-artifact order
	byIdentifier map[string]*Artifact
	byFileName   map[string]*Artifact

	expiry *time.Time
}

// NewVersion constructs a Version from artifacts in configured order.
func NewVersion(identifier, description string, artifacts []*Artifact) *Version {
	v := &Version{
		Identifier:   identifier,
		Description:  description,
		artifacts:    artifacts,
		byIdentifier: make(map[string]*Artifact, len(artifacts)),
		byFileName:   make(map[string]*Artifact, len(artifacts)),
	}
	for _, a := range artifacts {
		v.byIdentifier[a.Identifier] = a
		v.byFileName[a.FileName] = a
	}
	return v
}

// Artifacts returns the version's artifacts in configured order. Callers
// must not modify the returned slice.
func (v *Version) Artifacts() []*Artifact {
	return v.artifacts
}

// Artifact looks up an artifact by its logical identifier.
func (v *Version) Artifact(identifier string) (*Artifact, bool) {
	a, ok := v.byIdentifier[identifier]
	return a, ok
}

// ArtifactByFileName looks up an artifact by its display filename.
func (v *Version) ArtifactByFileName(name string) (*Artifact, bool) {
	a, ok := v.byFileName[name]
	return a, ok
}

// Expiring reports whether the version has been content-evicted and is
// waiting out its grace period before deletion.
func (v *Version) Expiring() bool {
	return v.expiry != nil
}

// ExpiresAt returns the end of the grace period, if the version is expiring.
func (v *Version) ExpiresAt() (time.Time, bool) {
	if v.expiry == nil {
		return time.Time{}, false
	}
	return *v.expiry, true
}

// expire moves the version from Active to Expiring. Its in-memory buffers
// are freed immediately; disk files stay until the sweep deletes them.
func (v *Version) expire(at time.Time) {
	if v.expiry != nil {
		return
	}
	v.expiry = &at
	for _, a := range v.artifacts {
		a.content = nil
	}
}
