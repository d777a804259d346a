package channel

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vankka/downloader/pkg/config"
	"github.com/vankka/downloader/pkg/github"
	"github.com/vankka/downloader/pkg/notify"
	"github.com/vankka/downloader/pkg/store"
)

// sweepInterval is how often the registry finalizes eviction across all
// published channels.
const sweepInterval = time.Minute

// NotifierFactory builds a Notifier scoped to one channel.
type NotifierFactory func(scope string) notify.Notifier

// Registry owns the published channel set. Reload rebuilds every channel
// from config and swaps the whole list atomically, so a reader always sees
// either the fully-old or the fully-new set.
type Registry struct {
	store    *store.Store
	gh       *github.Client
	notifier NotifierFactory
	log      logrus.FieldLogger

	mu       sync.RWMutex
	channels []Channel
}

// NewRegistry creates an empty registry. Call Reload to populate it.
func NewRegistry(st *store.Store, gh *github.Client, notifier NotifierFactory, log logrus.FieldLogger) *Registry {
	if notifier == nil {
		notifier = func(string) notify.Notifier { return notify.Discard() }
	}
	return &Registry{
		store:    st,
		gh:       gh,
		notifier: notifier,
		log:      log.WithField("module", "registry"),
	}
}

// Reload builds channels for every config entry (each build runs the
// backend's synchronous backfill and disk reconciliation) and then
// publishes the new list in one swap. Readers keep seeing the previous
// list until the swap.
func (r *Registry) Reload(ctx context.Context, configs []config.Channel) {
	channels := make([]Channel, 0, len(configs))
	for _, cfg := range configs {
		ch, err := r.build(ctx, cfg)
		if err != nil {
			r.log.Errorf("build channel %s: %v", cfg.Describe(), err)
			continue
		}
		channels = append(channels, ch)
	}

	r.mu.Lock()
	r.channels = channels
	r.mu.Unlock()
	r.log.Infof("published %d channels", len(channels))
}

func (r *Registry) build(ctx context.Context, cfg config.Channel) (Channel, error) {
	notifier := r.notifier(cfg.Describe())
	switch cfg.Type {
	case config.ChannelTypeWorkflow:
		return NewWorkflowChannel(ctx, cfg, r.store, r.gh, notifier, r.log)
	default:
		return NewReleaseChannel(ctx, cfg, r.store, r.gh, notifier, r.log)
	}
}

// Get returns the channel for a (owner, repo, name) triple. Matching is
// case-insensitive, like GitHub's own URL handling.
func (r *Registry) Get(owner, repo, name string) (Channel, bool) {
	for _, ch := range r.All() {
		cfg := ch.Config()
		if strings.EqualFold(cfg.RepoOwner, owner) &&
			strings.EqualFold(cfg.RepoName, repo) &&
			strings.EqualFold(cfg.Name, name) {
			return ch, true
		}
	}
	return nil, false
}

// All returns a snapshot of the published channel list.
func (r *Registry) All() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels
}

// Dispatch feeds a parsed webhook event to every channel of the matching
// repository.
func (r *Registry) Dispatch(ctx context.Context, owner, repo string, event any) {
	for _, ch := range r.All() {
		cfg := ch.Config()
		if strings.EqualFold(cfg.RepoOwner, owner) && strings.EqualFold(cfg.RepoName, repo) {
			ch.ReceiveWebhook(ctx, event)
		}
	}
}

// Run drives the periodic eviction sweep until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.SweepAll(now)
		}
	}
}

// SweepAll finalizes eviction across the currently published channels.
func (r *Registry) SweepAll(now time.Time) {
	for _, ch := range r.All() {
		ch.Sweep(now)
	}
}
