package mailbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"commsrelay/internal/domain"
)

// Notifier is told how many new messages arrived.
type Notifier interface {
	OnNewEmail(ctx context.Context, count int) int
}

// Watcher polls the mailbox and raises an email event when new messages
// appear.
type Watcher struct {
	mail     domain.MailProvider
	notifier Notifier
	interval time.Duration
	limit    int
	logger   *slog.Logger
	now      func() time.Time

	last time.Time
	seen map[string]struct{}
}

type WatcherConfig struct {
	Mail     domain.MailProvider
	Notifier Notifier
	Interval time.Duration
	Limit    int
	Logger   *slog.Logger
}

func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	return &Watcher{
		mail:     cfg.Mail,
		notifier: cfg.Notifier,
		interval: cfg.Interval,
		limit:    cfg.Limit,
		logger:   cfg.Logger,
		now:      time.Now,
		seen:     map[string]struct{}{},
	}
}

// Run polls until ctx is done. Poll failures are logged and retried on the
// next tick.
func (w *Watcher) Run(ctx context.Context) {
	w.last = w.now()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("mailbox watcher started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("mailbox poll failed", "err", err, "auth", domain.IsAuthError(err))
			}
		}
	}
}

// Check polls once and returns the number of messages not seen before.
// The provider query has second granularity, so each window overlaps the
// previous poll by a second and ids from that poll are skipped.
func (w *Watcher) Check(ctx context.Context) (int, error) {
	pollStart := w.now()
	if w.last.IsZero() {
		w.last = pollStart
	}

	ids, err := w.mail.SearchSince(ctx, w.last.Add(-time.Second), w.limit)
	if err != nil {
		return 0, err
	}

	fresh := lo.Filter(ids, func(id string, _ int) bool {
		_, ok := w.seen[id]
		return !ok
	})
	w.seen = lo.SliceToMap(ids, func(id string) (string, struct{}) { return id, struct{}{} })
	w.last = pollStart

	if len(fresh) > 0 {
		n := w.notifier.OnNewEmail(ctx, len(fresh))
		w.logger.Debug("new email event", "count", len(fresh), "recipients", n)
	}
	return len(fresh), nil
}
