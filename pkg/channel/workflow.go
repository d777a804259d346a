package channel

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v67/github"
	"github.com/sirupsen/logrus"

	"github.com/vankka/downloader/pkg/config"
	"github.com/vankka/downloader/pkg/github"
	"github.com/vankka/downloader/pkg/notify"
	"github.com/vankka/downloader/pkg/store"
)

const (
	// artifactListAttempts bounds the retry loop for a fresh webhook run
	// whose artifact list is still empty: CI artifact upload lags run
	// completion.
	artifactListAttempts = 5
	artifactListDelay    = 5 * time.Second
)

// WorkflowChannel sources versions from successful, push-triggered runs of
// one workflow, downloading the runs' zipped artifacts and extracting the
// entries that match configured filename patterns.
type WorkflowChannel struct {
	base

	workflow *gogithub.Workflow
	// runs is the upstream cursor, newest first, bounded by
	// pagesOfRunsToKeep pages.
	runs []*gogithub.WorkflowRun

	// retryDelay is artifactListDelay, shrunk by tests.
	retryDelay time.Duration
}

// NewWorkflowChannel builds the channel: locates the workflow, pages its
// run history, and reconciles on-disk state against the newest runs. An
// upstream listing failure leaves the channel published but empty.
func NewWorkflowChannel(ctx context.Context, cfg config.Channel, st *store.Store, gh *github.Client, notifier notify.Notifier, log logrus.FieldLogger) (*WorkflowChannel, error) {
	b, err := newBase(cfg, st, gh, notifier, log)
	if err != nil {
		return nil, err
	}
	c := &WorkflowChannel{base: b, retryDelay: artifactListDelay}

	workflow, err := gh.FindWorkflow(ctx, cfg.RepoOwner, cfg.RepoName, cfg.WorkflowFile)
	if err != nil {
		c.log.Errorf("workflow lookup failed: %v", err)
		return c, nil
	}
	c.workflow = workflow

	runs, err := gh.SuccessfulRuns(ctx, cfg.RepoOwner, cfg.RepoName, workflow.GetID(), cfg.Branch, cfg.PagesOfRunsToKeep)
	if err != nil {
		c.log.Errorf("initial run listing failed: %v", err)
		return c, nil
	}
	c.runs = runs

	c.reconcile(ctx)
	return c, nil
}

// reconcile is the two-sided startup pass: adopt on-disk runs that are
// still within retention (recovering artifact identities from metadata
// sidecars), fetch the rest, and delete directories no kept run claims.
func (c *WorkflowChannel) reconcile(ctx context.Context) {
	onDisk, err := store.ScanVersionDirs(c.dir, c.log)
	if err != nil {
		c.log.Errorf("disk scan failed: %v", err)
		onDisk = map[string]map[string]store.DiskArtifact{}
	}

	max := len(c.runs)
	if c.cfg.VersionsToKeep < max {
		max = c.cfg.VersionsToKeep
	}
	for i := 0; i < max; i++ {
		run := c.runs[i]
		sha := run.GetHeadSHA()

		if diskArtifacts, ok := onDisk[sha]; ok {
			delete(onDisk, sha)
			if v := c.adopt(sha, runDescription(run), diskArtifacts, c.inMemory(i)); v != nil {
				c.putVersion(v)
				continue
			}
		}

		v, err := c.ingestRun(ctx, run, c.inMemory(i), false)
		if err != nil {
			c.log.Errorf("backfill %s: %v", sha, err)
			c.notifier.Failed(sha, runDescription(run), "failed to load workflow run during backfill", err.Error())
		} else {
			c.putVersion(v)
		}
	}

	// Whatever is left on disk belongs to runs outside retention.
	for sha := range onDisk {
		if err := store.RemoveVersionDir(c.versionDir(sha)); err != nil {
			c.log.Warnf("cleanup %s: %v", sha, err)
		}
	}
}

// adopt rebuilds a Version from already-persisted files, recomputing
// digests without re-downloading. Returns nil when nothing usable exists.
func (c *WorkflowChannel) adopt(sha, description string, diskArtifacts map[string]store.DiskArtifact, inMemory bool) *Version {
	var artifacts []*Artifact
	for _, pattern := range c.patterns {
		da, ok := diskArtifacts[pattern.cfg.Identifier]
		if !ok {
			continue
		}
		ingested, err := store.IngestFile(da.Path, inMemory)
		if err != nil {
			c.log.Warnf("adopt %s/%s: %v", sha, da.FileName, err)
			continue
		}
		artifacts = append(artifacts, NewArtifact(pattern.cfg.Identifier, da.FileName, da.Path, ingested.SHA256, ingested.Size, ingested.Content))
	}
	if len(artifacts) == 0 {
		return nil
	}
	return NewVersion(sha, description, artifacts)
}

// ingestRun downloads a run's zipped artifacts, extracts matching entries
// and assembles a Version. fresh marks webhook-delivered runs, which retry
// the artifact listing while uploads lag. Any zip entry escaping the
// version directory aborts the whole version.
func (c *WorkflowChannel) ingestRun(ctx context.Context, run *gogithub.WorkflowRun, inMemory, fresh bool) (*Version, error) {
	sha := run.GetHeadSHA()
	versionDir := c.versionDir(sha)

	upstream, err := c.listArtifacts(ctx, run, fresh)
	if err != nil {
		return nil, err
	}

	var zips [][]byte
	for _, artifact := range upstream {
		if artifact.GetExpired() || !c.archiveWanted(artifact.GetName()) {
			continue
		}
		body, err := c.gh.Download(ctx, artifact.GetArchiveDownloadURL())
		if err != nil {
			return nil, fmt.Errorf("download artifact %s: %w", artifact.GetName(), err)
		}
		data, err := io.ReadAll(body)
		body.Close()
		if err != nil {
			return nil, fmt.Errorf("download artifact %s: %w", artifact.GetName(), err)
		}
		zips = append(zips, data)
	}

	artifacts, err := c.extract(zips, versionDir, inMemory)
	if err != nil {
		// Partially extracted files must not be adopted on restart.
		if cleanupErr := store.RemoveVersionDir(versionDir); cleanupErr != nil {
			c.log.Warnf("cleanup after failed extraction of %s: %v", sha, cleanupErr)
		}
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("no files matching any configured artifact in workflow run")
	}

	return NewVersion(sha, runDescription(run), artifacts), nil
}

// listArtifacts fetches the run's artifact list. For fresh webhook runs an
// empty list is retried a bounded number of times with a fixed delay.
func (c *WorkflowChannel) listArtifacts(ctx context.Context, run *gogithub.WorkflowRun, fresh bool) ([]*gogithub.Artifact, error) {
	for attempt := 1; ; attempt++ {
		artifacts, err := c.gh.RunArtifacts(ctx, c.cfg.RepoOwner, c.cfg.RepoName, run.GetID())
		if err != nil {
			return nil, err
		}
		if len(artifacts) > 0 || !fresh {
			return artifacts, nil
		}
		if attempt >= artifactListAttempts {
			return nil, fmt.Errorf("workflow run %d has no artifacts after %d attempts", run.GetID(), attempt)
		}
		c.log.Warnf("no artifacts for run %d yet, retrying (attempt %d)", run.GetID(), attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *WorkflowChannel) archiveWanted(name string) bool {
	for _, pattern := range c.patterns {
		if pattern.archive != nil && pattern.archive.MatchString(name) {
			return true
		}
	}
	return false
}

// extract streams every zip entry to disk, guarding against zip-slip,
// matching entry filenames against still-unclaimed configured artifacts in
// configured order. First match wins and removes the artifact from the
// candidate pool; unmatched entries are logged and dropped.
func (c *WorkflowChannel) extract(zips [][]byte, versionDir string, inMemory bool) ([]*Artifact, error) {
	unclaimed := make([]artifactPattern, len(c.patterns))
	copy(unclaimed, c.patterns)

	cleanDir := filepath.Clean(versionDir)

	var artifacts []*Artifact
	for _, data := range zips {
		reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("open artifact zip: %w", err)
		}

		for _, entry := range reader.File {
			if entry.FileInfo().IsDir() {
				continue
			}
			resolved := filepath.Join(versionDir, filepath.FromSlash(entry.Name))
			if resolved != cleanDir && !strings.HasPrefix(resolved, cleanDir+string(filepath.Separator)) {
				return nil, fmt.Errorf("zip entry %q escapes the version directory", entry.Name)
			}
			fileName := filepath.Base(resolved)

			matchIdx := -1
			for i, pattern := range unclaimed {
				if pattern.fileName.MatchString(fileName) {
					matchIdx = i
					break
				}
			}
			if matchIdx == -1 {
				c.log.Infof("no use for zip entry %s", fileName)
				continue
			}
			pattern := unclaimed[matchIdx]
			unclaimed = append(unclaimed[:matchIdx], unclaimed[matchIdx+1:]...)

			src, err := entry.Open()
			if err != nil {
				return nil, fmt.Errorf("open zip entry %s: %w", entry.Name, err)
			}
			dest := filepath.Join(versionDir, fileName)
			ingested, err := store.Ingest(src, dest, inMemory)
			src.Close()
			if err != nil {
				return nil, fmt.Errorf("store %s: %w", fileName, err)
			}
			if err := store.WriteMetadata(dest, pattern.cfg.Identifier); err != nil {
				return nil, fmt.Errorf("write metadata for %s: %w", fileName, err)
			}

			artifacts = append(artifacts, NewArtifact(pattern.cfg.Identifier, fileName, dest, ingested.SHA256, ingested.Size, ingested.Content))
		}
	}
	return artifacts, nil
}

// CheckVersion walks the run history; its unit is builds rather than
// versions.
func (c *WorkflowChannel) CheckVersion(comparedTo string) VersionCheck {
	return c.checkVersion(comparedTo, c.versionsBehind, func(amount int) string {
		if amount == 1 {
			return "build"
		}
		return "builds"
	})
}

func (c *WorkflowChannel) versionsBehind(comparedTo string, visit func(string)) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i, run := range c.runs {
		sha := run.GetHeadSHA()
		visit(sha)
		if sha == comparedTo {
			return i
		}
	}
	return -1
}

// ReceiveWebhook handles workflow_run events for this channel's workflow,
// branch and event type. Only completed successful runs are ingested.
func (c *WorkflowChannel) ReceiveWebhook(ctx context.Context, event any) {
	ev, ok := event.(*gogithub.WorkflowRunEvent)
	if !ok {
		return
	}
	run := ev.GetWorkflowRun()
	if c.workflow == nil || run.GetWorkflowID() != c.workflow.GetID() {
		return
	}
	if run.GetHeadBranch() != c.cfg.Branch || run.GetEvent() != "push" {
		return
	}

	sha := run.GetHeadSHA()
	desc := runDescription(run)

	action := ev.GetAction()
	if action != "completed" {
		if action == "requested" {
			c.notifier.Waiting(sha, desc, "for workflow to run")
		}
		return
	}
	if run.GetConclusion() != "success" {
		c.notifier.Failed(sha, desc, "workflow failure", "")
		return
	}

	c.notifier.Processing(sha, desc)

	v, err := c.ingestRun(ctx, run, c.inMemory(0), true)
	if err != nil {
		c.log.Errorf("webhook run %s: %v", sha, err)
		c.notifier.Failed(sha, desc, "failed to include workflow run", err.Error())
		return
	}

	c.mu.Lock()
	if _, known := c.versions[sha]; !known {
		c.runs = append([]*gogithub.WorkflowRun{run}, c.runs...)
	}
	c.insertNewest(v, time.Now())
	c.mu.Unlock()

	c.notifier.Success(sha, desc)
	c.notifier.NewVersion(sha, desc)
}

// runDescription is the first line of the run's head commit message.
func runDescription(run *gogithub.WorkflowRun) string {
	message := run.GetHeadCommit().GetMessage()
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		message = message[:i]
	}
	return message
}
