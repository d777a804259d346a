package channel

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vankka/downloader/pkg/config"
	"github.com/vankka/downloader/pkg/github"
	"github.com/vankka/downloader/pkg/store"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

// recorder captures notifier events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(kind, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+":"+key)
}

func (r *recorder) Waiting(key, _, _ string)   { r.record("waiting", key) }
func (r *recorder) Processing(key, _ string)   { r.record("processing", key) }
func (r *recorder) Success(key, _ string)      { r.record("success", key) }
func (r *recorder) Failed(key, _, _, _ string) { r.record("failed", key) }
func (r *recorder) NewVersion(key, _ string)   { r.record("new", key) }

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) has(event string) bool {
	for _, e := range r.all() {
		if e == event {
			return true
		}
	}
	return false
}

// fakeUpstream is an httptest GitHub API good enough for both backends:
// releases with downloadable assets, one workflow with runs and zipped
// artifacts.
type fakeUpstream struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	releases  []fakeRelease
	runs      []fakeRun
	downloads map[string]int // asset/archive name -> download count

	// emptyArtifactPolls makes the first N artifact list requests per run
	// return an empty list, simulating CI upload lag.
	emptyArtifactPolls int
	artifactPolls      map[int64]int
}

type fakeRelease struct {
	tag    string
	name   string
	assets map[string]string // file name -> content
}

type fakeRun struct {
	id       int64
	headSHA  string
	message  string
	archives map[string][]byte // archive name -> zip bytes
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	u := &fakeUpstream{
		t:             t,
		downloads:     map[string]int{},
		artifactPolls: map[int64]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/owner/repo/releases", u.listReleases)
	mux.HandleFunc("/repos/owner/repo/actions/workflows", u.listWorkflows)
	mux.HandleFunc("/repos/owner/repo/actions/workflows/42/runs", u.listRuns)
	mux.HandleFunc("/repos/owner/repo/actions/runs/", u.listRunArtifacts)
	mux.HandleFunc("/dl/", u.download)
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

func (u *fakeUpstream) client() *github.Client {
	return github.New("", github.WithBaseURL(u.srv.URL))
}

func (u *fakeUpstream) downloadCount(name string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.downloads[name]
}

func (u *fakeUpstream) listReleases(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]map[string]any, 0, len(u.releases))
	for _, rel := range u.releases {
		assets := make([]map[string]any, 0, len(rel.assets))
		for name := range rel.assets {
			assets = append(assets, map[string]any{
				"name":                 name,
				"browser_download_url": fmt.Sprintf("%s/dl/release/%s/%s", u.srv.URL, rel.tag, name),
			})
		}
		out = append(out, map[string]any{
			"tag_name": rel.tag,
			"name":     rel.name,
			"assets":   assets,
		})
	}
	require.NoError(u.t, json.NewEncoder(w).Encode(out))
}

func (u *fakeUpstream) listWorkflows(w http.ResponseWriter, _ *http.Request) {
	require.NoError(u.t, json.NewEncoder(w).Encode(map[string]any{
		"total_count": 1,
		"workflows": []map[string]any{
			{"id": 42, "path": ".github/workflows/build.yml"},
		},
	}))
}

func (u *fakeUpstream) listRuns(w http.ResponseWriter, _ *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	runs := make([]map[string]any, 0, len(u.runs))
	for _, run := range u.runs {
		runs = append(runs, map[string]any{
			"id":          run.id,
			"head_sha":    run.headSHA,
			"head_branch": "main",
			"event":       "push",
			"workflow_id": 42,
			"head_commit": map[string]any{"message": run.message},
		})
	}
	require.NoError(u.t, json.NewEncoder(w).Encode(map[string]any{
		"total_count":   len(runs),
		"workflow_runs": runs,
	}))
}

// listRunArtifacts handles /repos/owner/repo/actions/runs/{id}/artifacts.
func (u *fakeUpstream) listRunArtifacts(w http.ResponseWriter, r *http.Request) {
	var runID int64
	if _, err := fmt.Sscanf(r.URL.Path, "/repos/owner/repo/actions/runs/%d/artifacts", &runID); err != nil {
		http.NotFound(w, r)
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	u.artifactPolls[runID]++
	if u.artifactPolls[runID] <= u.emptyArtifactPolls {
		require.NoError(u.t, json.NewEncoder(w).Encode(map[string]any{
			"total_count": 0,
			"artifacts":   []any{},
		}))
		return
	}

	for _, run := range u.runs {
		if run.id != runID {
			continue
		}
		artifacts := make([]map[string]any, 0, len(run.archives))
		id := int64(1)
		for name := range run.archives {
			artifacts = append(artifacts, map[string]any{
				"id":                   id,
				"name":                 name,
				"expired":              false,
				"archive_download_url": fmt.Sprintf("%s/dl/archive/%d/%s", u.srv.URL, run.id, name),
			})
			id++
		}
		require.NoError(u.t, json.NewEncoder(w).Encode(map[string]any{
			"total_count": len(artifacts),
			"artifacts":   artifacts,
		}))
		return
	}
	http.NotFound(w, r)
}

// download serves /dl/release/{tag}/{file} and /dl/archive/{runID}/{name}.
func (u *fakeUpstream) download(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()

	var tag, file string
	var runID int64
	if _, err := fmt.Sscanf(r.URL.Path, "/dl/release/%s", &tag); err == nil {
		parts := bytes.SplitN([]byte(tag), []byte("/"), 2)
		if len(parts) == 2 {
			tag, file = string(parts[0]), string(parts[1])
			for _, rel := range u.releases {
				if rel.tag == tag {
					if content, ok := rel.assets[file]; ok {
						u.downloads[file]++
						_, _ = w.Write([]byte(content))
						return
					}
				}
			}
		}
	} else if _, err := fmt.Sscanf(r.URL.Path, "/dl/archive/%d/%s", &runID, &file); err == nil {
		for _, run := range u.runs {
			if run.id == runID {
				if data, ok := run.archives[file]; ok {
					u.downloads[file]++
					_, _ = w.Write(data)
					return
				}
			}
		}
	}
	http.NotFound(w, r)
}

// zipArchive builds an in-memory zip from entry name -> content.
func zipArchive(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for name, content := range entries {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func releaseConfig(keep, keepInMemory int) config.Channel {
	return config.Channel{
		Name:                   "release",
		RepoOwner:              "owner",
		RepoName:               "repo",
		Type:                   config.ChannelTypeRelease,
		VersionsToKeep:         keep,
		VersionsToKeepInMemory: keepInMemory,
		Artifacts: []config.Artifact{
			{Identifier: "jar", FileNameFormat: `app-.*\.jar`},
		},
	}
}

func workflowConfig(keep, keepInMemory int) config.Channel {
	return config.Channel{
		Name:                   "snapshot",
		RepoOwner:              "owner",
		RepoName:               "repo",
		Type:                   config.ChannelTypeWorkflow,
		VersionsToKeep:         keep,
		VersionsToKeepInMemory: keepInMemory,
		Branch:                 "main",
		WorkflowFile:           "build.yml",
		PagesOfRunsToKeep:      1,
		Artifacts: []config.Artifact{
			{Identifier: "jar", FileNameFormat: `app-.*\.jar`, ArchiveNameFormat: "jars"},
		},
	}
}

func newTestStore(t *testing.T) *store.Store {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return st
}
