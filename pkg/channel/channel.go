// Package channel implements the version-channel ingestion and caching
// engine: ordered version histories per (repository, channel) pair, the
// release and workflow backends that populate them, and the registry that
// publishes the live channel set and sweeps out expired versions.
package channel

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vankka/downloader/pkg/config"
	"github.com/vankka/downloader/pkg/github"
	"github.com/vankka/downloader/pkg/notify"
	"github.com/vankka/downloader/pkg/store"
)

// LatestIdentifier is the download alias resolving to the newest version.
const LatestIdentifier = "latest"

// Channel is one version channel. Read methods are safe to call
// concurrently with webhook ingestion and sweeping.
type Channel interface {
	Config() config.Channel
	// Versions returns the non-expiring versions, newest first.
	Versions() []*Version
	// Version looks up any live version (including expiring ones, so
	// direct-identifier downloads keep working through the grace period).
	Version(identifier string) (*Version, bool)
	// Latest returns the newest non-expiring version.
	Latest() (*Version, bool)
	// CheckVersion walks the upstream history to compute how far behind
	// the given identifier is, evaluating security advisories on the way.
	CheckVersion(comparedTo string) VersionCheck
	// ReceiveWebhook feeds one parsed upstream webhook event into the
	// channel. Events that don't concern this channel are ignored.
	ReceiveWebhook(ctx context.Context, event any)
	// Sweep deletes expiring versions whose grace period has elapsed.
	Sweep(now time.Time)
}

// artifactPattern is a config.Artifact with its patterns compiled once.
type artifactPattern struct {
	cfg      config.Artifact
	fileName *regexp.Regexp
	archive  *regexp.Regexp
}

func compilePatterns(artifacts []config.Artifact) []artifactPattern {
	// Patterns were validated with the config; MustCompile is safe here.
	patterns := make([]artifactPattern, 0, len(artifacts))
	for _, a := range artifacts {
		p := artifactPattern{cfg: a, fileName: regexp.MustCompile(a.FileNameFormat)}
		if a.ArchiveNameFormat != "" {
			p.archive = regexp.MustCompile(a.ArchiveNameFormat)
		}
		patterns = append(patterns, p)
	}
	return patterns
}

// base carries the state shared by both backends: the version maps, the
// per-channel lock serializing mutation, and the collaborators.
type base struct {
	cfg      config.Channel
	dir      string // storage/{owner}/{repo}/{channel}
	gh       *github.Client
	notifier notify.Notifier
	log      logrus.FieldLogger
	patterns []artifactPattern

	mu       sync.RWMutex
	versions map[string]*Version
	order    []*Version // newest first, defines rank
}

func newBase(cfg config.Channel, st *store.Store, gh *github.Client, notifier notify.Notifier, log logrus.FieldLogger) (base, error) {
	dir, err := st.ChannelDir(cfg.RepoOwner, cfg.RepoName, cfg.Name)
	if err != nil {
		return base{}, err
	}
	if notifier == nil {
		notifier = notify.Discard()
	}
	return base{
		cfg:      cfg,
		dir:      dir,
		gh:       gh,
		notifier: notifier,
		log:      log.WithField("channel", cfg.Describe()),
		patterns: compilePatterns(cfg.Artifacts),
		versions: make(map[string]*Version),
	}, nil
}

func (b *base) Config() config.Channel {
	return b.cfg
}

func (b *base) versionDir(identifier string) string {
	return filepath.Join(b.dir, identifier)
}

// inMemory reports whether a version at the given rank is memory resident.
// Ranks 0..versionsToKeepInMemory-1 are, uniformly across backends.
func (b *base) inMemory(rank int) bool {
	return rank < b.cfg.VersionsToKeepInMemory
}

func (b *base) Versions() []*Version {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Version, 0, len(b.order))
	for _, v := range b.order {
		if !v.Expiring() {
			out = append(out, v)
		}
	}
	return out
}

func (b *base) Version(identifier string) (*Version, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.versions[identifier]
	return v, ok
}

func (b *base) Latest() (*Version, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, v := range b.order {
		if !v.Expiring() {
			return v, true
		}
	}
	return nil, false
}

// putVersion appends a version during backfill. Caller holds no lock.
func (b *base) putVersion(v *Version) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.versions[v.Identifier] = v
	b.order = append(b.order, v)
}

// insertNewest prepends a webhook-delivered version at rank 0 and expires
// whatever the retention edge pushed out. A redelivered event or a re-run
// on an already-known identifier replaces the existing version at its
// current rank instead, keeping order and map in lockstep. Caller must
// hold mu.
func (b *base) insertNewest(v *Version, now time.Time) {
	if old, ok := b.versions[v.Identifier]; ok {
		for i, existing := range b.order {
			if existing == old {
				b.order[i] = v
				break
			}
		}
		b.versions[v.Identifier] = v
		// A replacement for a version that had already fallen past
		// retention must not resurrect it.
		b.expireExcessLocked(now)
		return
	}
	b.versions[v.Identifier] = v
	b.order = append([]*Version{v}, b.order...)
	b.expireExcessLocked(now)
}

// expireExcessLocked fires the Active -> Expiring transition for every
// version ranked past versionsToKeep.
func (b *base) expireExcessLocked(now time.Time) {
	live := 0
	for _, v := range b.order {
		if v.Expiring() {
			continue
		}
		live++
		if live > b.cfg.VersionsToKeep {
			b.log.Infof("version %s exceeds retention, expiring in %s", v.Identifier, graceWindow)
			v.expire(now.Add(graceWindow))
		}
	}
}

// Sweep finalizes eviction: expiring versions past their grace period are
// deleted from disk and dropped from the maps. Disk failures keep the
// entry so the next sweep retries.
func (b *base) Sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.order[:0]
	for _, v := range b.order {
		until, ok := v.ExpiresAt()
		if !ok || now.Before(until) {
			kept = append(kept, v)
			continue
		}
		if err := store.RemoveVersionDir(b.versionDir(v.Identifier)); err != nil {
			b.log.Warnf("sweep %s: %v", v.Identifier, err)
			kept = append(kept, v)
			continue
		}
		b.log.Infof("removed expired version %s", v.Identifier)
		delete(b.versions, v.Identifier)
	}
	b.order = kept
}

// cleanupUnclaimedDirs deletes version directories on disk that no live
// version references. Used by the release backend after backfill; the
// workflow backend does its own sidecar-aware reconciliation.
func (b *base) cleanupUnclaimedDirs() {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		b.log.Warnf("cleanup: %v", err)
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := b.versions[entry.Name()]; ok {
			continue
		}
		if err := store.RemoveVersionDir(filepath.Join(b.dir, entry.Name())); err != nil {
			b.log.Warnf("cleanup %s: %v", entry.Name(), err)
		}
	}
}
