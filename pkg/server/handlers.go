package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/vankka/downloader/pkg/channel"
)

// GET /v2/channels
func (s *Server) channels(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	type channelInfo struct {
		RepoOwner string `json:"repoOwner"`
		RepoName  string `json:"repoName"`
		Name      string `json:"name"`
		URL       string `json:"url"`
	}
	out := []channelInfo{}
	for _, ch := range s.registry.All() {
		cfg := ch.Config()
		out = append(out, channelInfo{
			RepoOwner: cfg.RepoOwner,
			RepoName:  cfg.RepoName,
			Name:      cfg.Name,
			URL:       s.channelURL(cfg),
		})
	}
	s.responseJSON(w, r, http.StatusOK, map[string]any{"channels": out})
}

type artifactResponse struct {
	FileName    string `json:"file_name"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
	SHA256      string `json:"sha256"`
}

type versionResponse struct {
	Identifier  string                      `json:"identifier"`
	Description string                      `json:"description"`
	Artifacts   map[string]artifactResponse `json:"artifacts"`
}

// GET /v2/:owner/:repo/:channel/versions
func (s *Server) versions(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ch, ok := s.getChannel(params)
	if !ok {
		s.responseJSON(w, r, http.StatusNotFound, fmt.Errorf("unknown repository or channel"))
		return
	}
	preferIdentifier, _ := strconv.ParseBool(r.URL.Query().Get("preferIdentifier"))

	baseURL := s.channelURL(ch.Config()) + "/download/"
	versions := []versionResponse{}
	for _, v := range ch.Versions() {
		out := versionResponse{
			Identifier:  v.Identifier,
			Description: v.Description,
			Artifacts:   make(map[string]artifactResponse, len(v.Artifacts())),
		}
		for _, a := range v.Artifacts() {
			ref := a.FileName
			if preferIdentifier {
				ref = a.Identifier
			}
			out.Artifacts[a.Identifier] = artifactResponse{
				FileName:    a.FileName,
				Size:        a.Size,
				DownloadURL: baseURL + v.Identifier + "/" + ref,
				SHA256:      a.SHA256,
			}
		}
		versions = append(versions, out)
	}

	s.responseJSON(w, r, http.StatusOK, map[string]any{
		"versions":   versions,
		"latest_url": baseURL + channel.LatestIdentifier + "/",
	})
}

// GET /v2/:owner/:repo/:channel/download/:version/:artifact
func (s *Server) download(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ch, ok := s.getChannel(params)
	if !ok {
		s.responseJSON(w, r, http.StatusNotFound, fmt.Errorf("unknown repository or channel"))
		return
	}

	identifier := params.ByName("version")
	preferRedirect := true
	if raw := r.URL.Query().Get("preferRedirect"); raw != "" {
		preferRedirect, _ = strconv.ParseBool(raw)
	}

	isAlias := false
	var version *channel.Version
	if identifier == channel.LatestIdentifier {
		version, ok = ch.Latest()
		if !ok {
			s.responseJSON(w, r, http.StatusServiceUnavailable, fmt.Errorf("no versions available for this channel"))
			return
		}
		isAlias = true
	} else if version, ok = ch.Version(identifier); !ok {
		s.responseJSON(w, r, http.StatusNotFound, fmt.Errorf("version not found"))
		return
	}

	artifactRef := params.ByName("artifact")
	artifact, ok := version.ArtifactByFileName(artifactRef)
	if !ok {
		// The identifier form is the alias; the filename form is canonical.
		isAlias = true
		if artifact, ok = version.Artifact(artifactRef); !ok {
			s.responseJSON(w, r, http.StatusNotFound, fmt.Errorf("artifact not found"))
			return
		}
	}

	if isAlias && preferRedirect {
		url := s.channelURL(ch.Config()) + "/download/" + version.Identifier + "/" + artifact.FileName
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	if !s.allow(r) {
		s.responseJSON(w, r, http.StatusTooManyRequests, fmt.Errorf("rate limit exceeded"))
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.FileName))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(artifact.Size, 10))

	if content := artifact.Content(); content != nil {
		_, _ = w.Write(content)
	} else {
		file, err := os.Open(artifact.Path)
		if err != nil {
			s.responseJSON(w, r, http.StatusInternalServerError, err)
			return
		}
		defer file.Close()
		_, _ = io.Copy(w, file)
	}

	s.stats.Increment(ch.Config().Describe(), version.Identifier, artifact.Identifier, r.UserAgent())
}

// GET /v2/:owner/:repo/:channel/version-check/:version
func (s *Server) versionCheck(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ch, ok := s.getChannel(params)
	if !ok {
		s.responseJSON(w, r, http.StatusNotFound, fmt.Errorf("unknown repository or channel"))
		return
	}
	s.responseJSON(w, r, http.StatusOK, ch.CheckVersion(params.ByName("version")))
}
