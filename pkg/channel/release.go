package channel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gogithub "github.com/google/go-github/v67/github"
	"github.com/sirupsen/logrus"

	"github.com/vankka/downloader/pkg/config"
	"github.com/vankka/downloader/pkg/github"
	"github.com/vankka/downloader/pkg/notify"
	"github.com/vankka/downloader/pkg/store"
)

// releaseActions are the webhook actions a release channel reacts to.
// Only "released" is terminal; "created" emits a waiting notification.
const releaseTerminalAction = "released"

var releaseActions = map[string]bool{
	"created":             true,
	releaseTerminalAction: true,
}

// ReleaseChannel sources versions from the repository's releases listing,
// matching release assets to configured artifacts by filename pattern.
type ReleaseChannel struct {
	base

	// releases is the upstream cursor: the full release history, newest
	// first, same order as (and longer than) the kept versions.
	releases []*gogithub.RepositoryRelease
}

// NewReleaseChannel builds the channel and performs the initial backfill.
// An upstream listing failure leaves the channel published but empty; it
// stays that way until the next reload.
func NewReleaseChannel(ctx context.Context, cfg config.Channel, st *store.Store, gh *github.Client, notifier notify.Notifier, log logrus.FieldLogger) (*ReleaseChannel, error) {
	b, err := newBase(cfg, st, gh, notifier, log)
	if err != nil {
		return nil, err
	}
	c := &ReleaseChannel{base: b}

	releases, err := gh.Releases(ctx, cfg.RepoOwner, cfg.RepoName)
	if err != nil {
		c.log.Errorf("initial release listing failed: %v", err)
		return c, nil
	}
	c.releases = releases

	c.backfill(ctx)
	c.cleanupUnclaimedDirs()
	return c, nil
}

func (c *ReleaseChannel) backfill(ctx context.Context) {
	max := len(c.releases)
	if c.cfg.VersionsToKeep < max {
		max = c.cfg.VersionsToKeep
	}
	for i := 0; i < max; i++ {
		release := c.releases[i]
		v, err := c.ingestRelease(ctx, release, c.inMemory(i))
		if err != nil {
			c.log.Errorf("backfill %s: %v", release.GetTagName(), err)
			c.notifier.Failed(release.GetTagName(), release.GetName(), "failed to load release during backfill", err.Error())
			continue
		}
		c.putVersion(v)
	}
}

// ingestRelease downloads (or adopts from disk) every matching asset of one
// release and assembles a Version. All matched assets must succeed.
func (c *ReleaseChannel) ingestRelease(ctx context.Context, release *gogithub.RepositoryRelease, inMemory bool) (*Version, error) {
	tag := release.GetTagName()
	versionDir := c.versionDir(tag)

	type matched struct {
		identifier string
		asset      *gogithub.ReleaseAsset
	}
	var assets []matched
	for _, pattern := range c.patterns {
		for _, asset := range release.Assets {
			if pattern.fileName.MatchString(asset.GetName()) {
				assets = append(assets, matched{pattern.cfg.Identifier, asset})
				break
			}
		}
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("no assets matching any configured artifact")
	}

	artifacts := make([]*Artifact, 0, len(assets))
	for _, m := range assets {
		fileName := m.asset.GetName()
		dest := filepath.Join(versionDir, fileName)

		var ingested store.Ingested
		if _, err := os.Stat(dest); err == nil {
			ingested, err = store.IngestFile(dest, inMemory)
			if err != nil {
				return nil, fmt.Errorf("reuse %s: %w", fileName, err)
			}
		} else {
			body, err := c.gh.Download(ctx, m.asset.GetBrowserDownloadURL())
			if err != nil {
				return nil, fmt.Errorf("download %s: %w", fileName, err)
			}
			ingested, err = store.Ingest(body, dest, inMemory)
			body.Close()
			if err != nil {
				return nil, fmt.Errorf("store %s: %w", fileName, err)
			}
		}

		artifacts = append(artifacts, NewArtifact(m.identifier, fileName, dest, ingested.SHA256, ingested.Size, ingested.Content))
	}

	return NewVersion(tag, release.GetName(), artifacts), nil
}

// CheckVersion walks the full release history, which reaches further back
// than the kept versions.
func (c *ReleaseChannel) CheckVersion(comparedTo string) VersionCheck {
	return c.checkVersion(comparedTo, c.versionsBehind, func(int) string { return "versions" })
}

func (c *ReleaseChannel) versionsBehind(comparedTo string, visit func(string)) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i, release := range c.releases {
		tag := release.GetTagName()
		visit(tag)
		if tag == comparedTo {
			return i
		}
	}
	return -1
}

// ReceiveWebhook handles release lifecycle events. Non-terminal actions
// emit a waiting notification; the terminal action ingests the release as
// the newest version, expiring whatever falls off the retention edge.
func (c *ReleaseChannel) ReceiveWebhook(ctx context.Context, event any) {
	ev, ok := event.(*gogithub.ReleaseEvent)
	if !ok {
		return
	}
	release := ev.GetRelease()
	tag := release.GetTagName()
	name := release.GetName()

	action := ev.GetAction()
	if !releaseActions[action] {
		return
	}
	if action != releaseTerminalAction {
		c.notifier.Waiting(tag, name, "for release to publish")
		return
	}

	c.notifier.Processing(tag, name)

	v, err := c.ingestRelease(ctx, release, c.inMemory(0))
	if err != nil {
		c.log.Errorf("webhook release %s: %v", tag, err)
		c.notifier.Failed(tag, name, "failed to include release", err.Error())
		return
	}

	c.mu.Lock()
	if _, known := c.versions[tag]; !known {
		c.releases = append([]*gogithub.RepositoryRelease{release}, c.releases...)
	}
	c.insertNewest(v, time.Now())
	c.mu.Unlock()

	c.notifier.Success(tag, name)
	c.notifier.NewVersion(tag, name)
}
