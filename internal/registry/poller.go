package registry

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/curo/internal/common"
	"github.com/ternarybob/curo/internal/interfaces"
	"github.com/ternarybob/curo/internal/telemetry"
)

// Poller periodically pulls a full job snapshot from the store and
// reconciles the registry against it. Snapshots repair whatever the
// at-most-once stream lost: missed progress, missed terminals, and jobs
// created during a disconnect.
type Poller struct {
	store    interfaces.JobStore
	registry *Registry
	interval time.Duration
	limit    int
	logger   arbor.ILogger

	mu          sync.Mutex
	lastAttempt time.Time
	lastSuccess time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a snapshot poller. The interval should sit in the 5-15s
// band the config validates; limit bounds the snapshot request.
func NewPoller(store interfaces.JobStore, registry *Registry, interval time.Duration, limit int, logger arbor.ILogger) *Poller {
	return &Poller{
		store:    store,
		registry: registry,
		interval: interval,
		limit:    limit,
		logger:   logger,
	}
}

// Start launches the poll loop on a panic-protected goroutine. The first
// snapshot is fetched immediately so the registry is populated before the
// first tick.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	common.SafeGo(p.logger, "snapshot-poller", func() {
		defer close(p.done)
		p.loop(ctx)
	})

	p.logger.Info().
		Str("interval", p.interval.String()).
		Int("snapshot_limit", p.limit).
		Msg("Snapshot poller started")
}

// Stop cancels the loop and waits for it to exit. Safe to call more than once.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Snapshot poller stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll fetches one snapshot. A failed poll is a no-op: the registry keeps
// its previous view and nothing is surfaced to users.
func (p *Poller) poll(ctx context.Context) {
	now := time.Now()
	p.mu.Lock()
	p.lastAttempt = now
	p.mu.Unlock()

	jobs, err := p.store.ListJobs(ctx, "", p.limit)
	if err != nil {
		telemetry.PollFailures.Inc()
		p.logger.Warn().Err(err).Msg("Snapshot poll failed, keeping previous view")
		return
	}

	p.registry.Reconcile(jobs)

	p.mu.Lock()
	p.lastSuccess = time.Now()
	p.mu.Unlock()

	p.logger.Debug().
		Int("jobs", len(jobs)).
		Msg("Snapshot reconciled")
}

// LastSuccess reports when the registry last reconciled a good snapshot.
func (p *Poller) LastSuccess() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSuccess
}

// LastAttempt reports when the poller last tried, successful or not.
func (p *Poller) LastAttempt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAttempt
}
