package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"playlog/internal/domain/entity"
	"playlog/internal/observability/metrics"
	"playlog/internal/pkg/clock"
	"playlog/internal/repository"
)

// PollerState is the lifecycle state of a polling loop.
type PollerState int

const (
	// PollerStopped means the loop is not running.
	PollerStopped PollerState = iota

	// PollerStarting means Start was called and the loop is restoring its
	// cursor before the first tick.
	PollerStarting

	// PollerRunning means the loop is ticking.
	PollerRunning

	// PollerStopping means Stop was called and the loop is draining.
	PollerStopping
)

// String returns a string representation of the poller state.
func (s PollerState) String() string {
	switch s {
	case PollerStopped:
		return "stopped"
	case PollerStarting:
		return "starting"
	case PollerRunning:
		return "running"
	case PollerStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// PollerConfig configures a polling loop for one source.
type PollerConfig struct {
	// Source is the logical source name; it labels logs, metrics and the
	// persisted cursor.
	Source string

	// Interval is the fixed tick interval. Ticks are scheduled from the
	// previous tick's start, so call latency does not stretch the cadence.
	Interval time.Duration

	// Provider supplies the observations; usually wrapped by WithResilience.
	Provider Provider

	// Dedup collapses re-polls of the same play.
	Dedup *Deduplicator

	// Repo persists the surviving listening records.
	Repo repository.ListeningRepository

	// Clock is injected for deterministic tests. Nil means the system clock.
	Clock clock.Clock
}

// Validate checks the configuration eagerly.
func (c PollerConfig) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("poller config: source cannot be empty")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("poller config %s: interval must be positive, got %v", c.Source, c.Interval)
	}
	if c.Provider == nil {
		return fmt.Errorf("poller config %s: provider is required", c.Source)
	}
	if c.Dedup == nil {
		return fmt.Errorf("poller config %s: deduplicator is required", c.Source)
	}
	if c.Repo == nil {
		return fmt.Errorf("poller config %s: repository is required", c.Source)
	}
	return nil
}

// PollerStatus is an observable snapshot of a polling loop. LastSeenAt is the
// cursor position: the observed-at of the last ingested event.
type PollerStatus struct {
	Source     string
	State      PollerState
	LastTickAt *time.Time
	LastSeenAt *time.Time
	LastError  string
	Ticks      uint64
	Errors     uint64
	Ingested   uint64
	Duplicates uint64
}

// Poller runs the fixed-interval ingestion loop for one source. The loop
// never terminates because of a tick error; only Stop or context cancellation
// ends it.
type Poller struct {
	cfg PollerConfig
	clk clock.Clock

	mu         sync.Mutex
	state      PollerState
	lastTickAt time.Time
	lastError  string
	ticks      uint64
	errors     uint64
	ingested   uint64
	duplicates uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewPoller creates a poller in the STOPPED state.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Poller{cfg: cfg, clk: clk, state: PollerStopped}, nil
}

// Start restores the cursor and launches the loop. Starting a poller that is
// not STOPPED is an error; the state machine has no implicit restarts.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != PollerStopped {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("poller %s: cannot start from state %s", p.cfg.Source, state)
	}
	p.state = PollerStarting
	p.mu.Unlock()

	if err := p.cfg.Dedup.Load(ctx); err != nil {
		p.mu.Lock()
		p.state = PollerStopped
		p.mu.Unlock()
		return fmt.Errorf("poller %s: start: %w", p.cfg.Source, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	p.state = PollerRunning
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	slog.Info("poller started",
		slog.String("source", p.cfg.Source),
		slog.Duration("interval", p.cfg.Interval))

	go p.run(loopCtx, done)
	return nil
}

// Stop requests a graceful stop and waits for the loop to drain, bounded by
// ctx. Stopping an already stopped poller is a no-op; stopping a poller whose
// Start has not finished restoring the cursor is an error, because there is
// no loop to signal yet.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state == PollerStarting {
		p.mu.Unlock()
		return fmt.Errorf("poller %s: cannot stop while starting", p.cfg.Source)
	}
	if p.state != PollerRunning {
		p.mu.Unlock()
		return nil
	}
	p.state = PollerStopping
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("poller %s: stop: %w", p.cfg.Source, ctx.Err())
	}

	p.mu.Lock()
	p.state = PollerStopped
	p.mu.Unlock()
	slog.Info("poller stopped", slog.String("source", p.cfg.Source))
	return nil
}

// Status returns an observable snapshot of the loop.
func (p *Poller) Status() PollerStatus {
	cur := p.cfg.Dedup.Cursor()

	p.mu.Lock()
	defer p.mu.Unlock()
	st := PollerStatus{
		Source:     p.cfg.Source,
		State:      p.state,
		LastSeenAt: cur.LastSeenAt,
		LastError:  p.lastError,
		Ticks:      p.ticks,
		Errors:     p.errors,
		Ingested:   p.ingested,
		Duplicates: p.duplicates,
	}
	if !p.lastTickAt.IsZero() {
		at := p.lastTickAt
		st.LastTickAt = &at
	}
	return st
}

// run drives the fixed-interval schedule: each tick is planned from the
// previous tick's start, so a slow tick does not push subsequent ticks later.
func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	next := p.clk.Now()
	for {
		p.tick(ctx)

		next = next.Add(p.cfg.Interval)
		if err := p.clk.Sleep(ctx, next.Sub(p.clk.Now())); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// tick performs one poll. Every failure path records the error and returns;
// a panicking provider is contained here so the loop survives it.
func (p *Poller) tick(ctx context.Context) {
	now := p.clk.Now()
	p.mu.Lock()
	p.ticks++
	p.lastTickAt = now
	p.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			p.recordError(fmt.Sprintf("panic: %v", r))
			slog.Error("poll tick panicked",
				slog.String("source", p.cfg.Source),
				slog.Any("panic", r))
		}
	}()

	event, err := p.cfg.Provider.FetchCurrent(ctx)
	if err != nil {
		p.recordError(err.Error())
		slog.Warn("poll tick failed",
			slog.String("source", p.cfg.Source),
			slog.Any("error", err))
		return
	}
	if event == nil {
		// Nothing playing: neither cursor nor dedup state moves.
		return
	}

	if err := event.Validate(); err != nil {
		p.recordError(err.Error())
		slog.Warn("provider returned invalid event",
			slog.String("source", p.cfg.Source),
			slog.Any("error", err))
		return
	}

	if p.cfg.Dedup.IsDuplicate(event) {
		p.mu.Lock()
		p.duplicates++
		p.mu.Unlock()
		metrics.RecordDuplicate(p.cfg.Source)
		return
	}

	rec := entity.NewListeningRecord(event, p.clk.Now())
	if err := p.cfg.Repo.SaveListeningRecord(ctx, rec); err != nil {
		p.recordError(err.Error())
		slog.Error("failed to persist listening record",
			slog.String("source", p.cfg.Source),
			slog.String("dedup_key", rec.DedupKey),
			slog.Any("error", err))
		return
	}
	// Cursor only advances after the record is durable; a crash between the
	// two redelivers the event, which the dedup window then absorbs.
	if err := p.cfg.Dedup.Record(ctx, event); err != nil {
		p.recordError(err.Error())
		slog.Error("failed to persist poll cursor",
			slog.String("source", p.cfg.Source),
			slog.Any("error", err))
		return
	}

	p.mu.Lock()
	p.ingested++
	p.mu.Unlock()
	metrics.RecordIngested(p.cfg.Source)
	slog.Info("listening event ingested",
		slog.String("source", p.cfg.Source),
		slog.String("artist", event.Artist),
		slog.String("title", event.Title),
		slog.String("dedup_key", rec.DedupKey))
}

func (p *Poller) recordError(msg string) {
	p.mu.Lock()
	p.errors++
	p.lastError = msg
	p.mu.Unlock()
	metrics.RecordPollError(p.cfg.Source)
}
