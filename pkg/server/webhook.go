package server

import (
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v67/github"
	"github.com/julienschmidt/httprouter"
)

// POST /v2/github-webhook/:route
//
// The shared secret is looked up by the route path; the payload signature
// (X-Hub-Signature-256) is verified before any JSON is parsed. Bad
// signatures, unknown routes and unknown event types are rejected without
// touching channel state.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	route := params.ByName("route")

	var secret string
	for _, wh := range s.webhooks {
		if strings.EqualFold(wh.Path, route) {
			secret = wh.Secret
			break
		}
	}
	if secret == "" {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	eventType := gogithub.WebHookType(r)
	if eventType == "" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	switch eventType {
	case "ping", "release", "workflow_run":
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	payload, err := gogithub.ValidatePayload(r, []byte(secret))
	if err != nil {
		s.logger.Warnf("webhook %s: signature validation failed: %v", route, err)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if eventType == "ping" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	event, err := gogithub.ParseWebHook(eventType, payload)
	if err != nil {
		s.logger.Warnf("webhook %s: parse: %v", route, err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var owner, repo string
	switch ev := event.(type) {
	case *gogithub.ReleaseEvent:
		owner, repo = ev.GetRepo().GetOwner().GetLogin(), ev.GetRepo().GetName()
	case *gogithub.WorkflowRunEvent:
		owner, repo = ev.GetRepo().GetOwner().GetLogin(), ev.GetRepo().GetName()
	}
	if owner == "" || repo == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.registry.Dispatch(r.Context(), owner, repo, event)
	w.WriteHeader(http.StatusNoContent)
}
