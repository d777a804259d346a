// Package server exposes the download API over HTTP: version listings,
// artifact downloads, version checks and the inbound GitHub webhook.
package server

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vankka/downloader/pkg/channel"
	"github.com/vankka/downloader/pkg/config"
	"github.com/vankka/downloader/pkg/stats"
)

// downloadsPerMinute bounds non-redirect downloads per client.
const downloadsPerMinute = 10

// Server routes the public API. It holds no channel state of its own;
// everything is read from the registry snapshot per request.
type Server struct {
	registry *channel.Registry
	stats    stats.Recorder
	webhooks []config.Webhook
	apiURL   string
	router   *httprouter.Router
	logger   logrus.FieldLogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds the Server and its route table.
func New(registry *channel.Registry, recorder stats.Recorder, cfg *config.Config, logger logrus.FieldLogger) *Server {
	if recorder == nil {
		recorder = stats.Discard()
	}
	s := &Server{
		registry: registry,
		stats:    recorder,
		webhooks: cfg.Webhooks,
		apiURL:   cfg.APIURL,
		logger:   logger.WithField("module", "server"),
		limiters: make(map[string]*rate.Limiter),
	}

	router := httprouter.New()
	router.GET("/v2/channels", s.middleware(s.channels))
	router.GET("/v2/:owner/:repo/:channel/versions", s.middleware(s.versions))
	router.GET("/v2/:owner/:repo/:channel/download/:version/:artifact", s.middleware(s.download))
	router.GET("/v2/:owner/:repo/:channel/version-check/:version", s.middleware(s.versionCheck))
	router.POST("/v2/github-webhook/:route", s.middleware(s.webhook))
	s.router = router

	return s
}

// Handler returns the http.Handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) middleware(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		s.logger.Debugf("%s %s", r.Method, r.RequestURI)
		handler(w, r, params)
	}
}

func (s *Server) responseJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	var data []byte
	if err, ok := v.(error); ok {
		s.logger.Errorf("%v %v: %v", r.Method, r.RequestURI, err)
		data, _ = json.Marshal(map[string]any{"error": err.Error()})
	} else if v == nil {
		data, _ = json.Marshal(struct{}{})
	} else {
		data, _ = json.Marshal(v)
	}
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

// channelURL is the stable base URL of one channel.
func (s *Server) channelURL(cfg config.Channel) string {
	return s.apiURL + "/v2/" + cfg.RepoOwner + "/" + cfg.RepoName + "/" + cfg.Name
}

// getChannel resolves the channel named by the request path.
func (s *Server) getChannel(params httprouter.Params) (channel.Channel, bool) {
	return s.registry.Get(params.ByName("owner"), params.ByName("repo"), params.ByName("channel"))
}

// allow applies the download rate limit per client address.
func (s *Server) allow(r *http.Request) bool {
	host := r.Header.Get("X-Forwarded-For")
	if host == "" {
		var err error
		if host, _, err = net.SplitHostPort(r.RemoteAddr); err != nil {
			host = r.RemoteAddr
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(downloadsPerMinute)/60), downloadsPerMinute)
		s.limiters[host] = limiter
	}
	return limiter.Allow()
}
