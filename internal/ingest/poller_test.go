package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"playlog/internal/domain/entity"
	"playlog/internal/pkg/clock"
)

// scriptedProvider replays a fixed sequence of results, then repeats the last.
type scriptedProvider struct {
	mu     sync.Mutex
	script []func() (*entity.PlayEvent, error)
	calls  int
}

func (s *scriptedProvider) FetchCurrent(ctx context.Context) (*entity.PlayEvent, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	fn := s.script[idx]
	s.mu.Unlock()
	return fn()
}

func (s *scriptedProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fixed(e *entity.PlayEvent, err error) func() (*entity.PlayEvent, error) {
	return func() (*entity.PlayEvent, error) { return e, err }
}

func newTestPoller(t *testing.T, provider Provider, repo *memRepo, clk clock.Clock, interval time.Duration) *Poller {
	t.Helper()
	d, err := NewDeduplicator("radio", time.Minute, repo, clk)
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPoller(PollerConfig{
		Source:   "radio",
		Interval: interval,
		Provider: provider,
		Dedup:    d,
		Repo:     repo,
		Clock:    clk,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPollerConfig_Validate(t *testing.T) {
	repo := newMemRepo()
	d, err := NewDeduplicator("radio", time.Minute, repo, nil)
	if err != nil {
		t.Fatal(err)
	}
	valid := PollerConfig{
		Source:   "radio",
		Interval: time.Second,
		Provider: &scriptedProvider{script: []func() (*entity.PlayEvent, error){fixed(nil, nil)}},
		Dedup:    d,
		Repo:     repo,
	}

	tests := []struct {
		name   string
		mutate func(*PollerConfig)
	}{
		{"empty source", func(c *PollerConfig) { c.Source = "" }},
		{"zero interval", func(c *PollerConfig) { c.Interval = 0 }},
		{"nil provider", func(c *PollerConfig) { c.Provider = nil }},
		{"nil dedup", func(c *PollerConfig) { c.Dedup = nil }},
		{"nil repo", func(c *PollerConfig) { c.Repo = nil }},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestPoller_TickIngestsAndDeduplicates(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := newMemRepo()
	e := event("radio", "Artist", "Track", clk.Now())
	provider := &scriptedProvider{script: []func() (*entity.PlayEvent, error){fixed(e, nil)}}
	p := newTestPoller(t, provider, repo, clk, 10*time.Second)
	if err := p.cfg.Dedup.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	p.tick(context.Background())
	p.tick(context.Background()) // same play, within window

	if got := repo.recordCount(); got != 1 {
		t.Errorf("persisted %d records, want 1", got)
	}
	st := p.Status()
	if st.Ingested != 1 {
		t.Errorf("Ingested = %d, want 1", st.Ingested)
	}
	if st.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", st.Duplicates)
	}
	if st.Ticks != 2 {
		t.Errorf("Ticks = %d, want 2", st.Ticks)
	}
	if st.LastSeenAt == nil || !st.LastSeenAt.Equal(e.ObservedAt) {
		t.Errorf("LastSeenAt = %v, want cursor position %v", st.LastSeenAt, e.ObservedAt)
	}

	cur, err := repo.LoadCursor(context.Background(), "radio")
	if err != nil || cur == nil {
		t.Fatalf("LoadCursor = %v, %v; want persisted cursor", cur, err)
	}
	if cur.LastSeenKey != e.DedupKey() {
		t.Errorf("cursor key = %q, want %q", cur.LastSeenKey, e.DedupKey())
	}
}

func TestPoller_NothingPlayingTouchesNothing(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := newMemRepo()
	provider := &scriptedProvider{script: []func() (*entity.PlayEvent, error){fixed(nil, nil)}}
	p := newTestPoller(t, provider, repo, clk, 10*time.Second)
	if err := p.cfg.Dedup.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	p.tick(context.Background())

	if got := repo.recordCount(); got != 0 {
		t.Errorf("persisted %d records, want 0", got)
	}
	if cur := p.cfg.Dedup.Cursor(); cur.LastSeenKey != "" {
		t.Errorf("cursor moved to %q on idle tick", cur.LastSeenKey)
	}
	st := p.Status()
	if st.Errors != 0 {
		t.Errorf("Errors = %d, want 0 (idle is not an error)", st.Errors)
	}
}

func TestPoller_TickErrorDoesNotStopLoop(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := newMemRepo()
	e := event("radio", "Artist", "Track", clk.Now())
	provider := &scriptedProvider{script: []func() (*entity.PlayEvent, error){
		fixed(nil, errors.New("provider down")),
		fixed(e, nil),
	}}
	p := newTestPoller(t, provider, repo, clk, 10*time.Second)
	if err := p.cfg.Dedup.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	p.tick(context.Background())
	st := p.Status()
	if st.Errors != 1 || st.LastError == "" {
		t.Fatalf("after failing tick: Errors = %d, LastError = %q", st.Errors, st.LastError)
	}

	p.tick(context.Background())
	if got := repo.recordCount(); got != 1 {
		t.Errorf("persisted %d records, want 1 after recovery", got)
	}
}

func TestPoller_PanickingProviderIsContained(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := newMemRepo()
	e := event("radio", "Artist", "Track", clk.Now())
	provider := &scriptedProvider{script: []func() (*entity.PlayEvent, error){
		func() (*entity.PlayEvent, error) { panic("provider bug") },
		fixed(e, nil),
	}}
	p := newTestPoller(t, provider, repo, clk, 10*time.Second)
	if err := p.cfg.Dedup.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	p.tick(context.Background()) // must not propagate the panic
	st := p.Status()
	if st.Errors != 1 {
		t.Errorf("Errors = %d, want 1 after panic", st.Errors)
	}

	p.tick(context.Background())
	if got := repo.recordCount(); got != 1 {
		t.Errorf("persisted %d records, want 1 after recovery", got)
	}
}

func TestPoller_SaveFailureLeavesCursorUntouched(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := newMemRepo()
	repo.saveErr = errors.New("db down")
	e := event("radio", "Artist", "Track", clk.Now())
	provider := &scriptedProvider{script: []func() (*entity.PlayEvent, error){fixed(e, nil)}}
	p := newTestPoller(t, provider, repo, clk, 10*time.Second)
	if err := p.cfg.Dedup.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	p.tick(context.Background())

	if cur := p.cfg.Dedup.Cursor(); cur.LastSeenKey != "" {
		t.Errorf("cursor advanced to %q although the record was not saved", cur.LastSeenKey)
	}
	// The event is re-ingestable on the next tick once the store recovers.
	repo.saveErr = nil
	p.tick(context.Background())
	if got := repo.recordCount(); got != 1 {
		t.Errorf("persisted %d records, want 1 after store recovery", got)
	}
}

// gatedRepo blocks LoadCursor until the gate is closed, simulating a slow
// cursor restore during Start.
type gatedRepo struct {
	*memRepo
	gate chan struct{}
}

func (r *gatedRepo) LoadCursor(ctx context.Context, source string) (*entity.PollCursor, error) {
	<-r.gate
	return r.memRepo.LoadCursor(ctx, source)
}

func TestPoller_StopWhileStartingIsAnError(t *testing.T) {
	repo := &gatedRepo{memRepo: newMemRepo(), gate: make(chan struct{})}
	e := event("radio", "Artist", "Track", time.Now())
	provider := &scriptedProvider{script: []func() (*entity.PlayEvent, error){fixed(e, nil)}}

	d, err := NewDeduplicator("radio", time.Minute, repo, nil)
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPoller(PollerConfig{
		Source:   "radio",
		Interval: time.Hour,
		Provider: provider,
		Dedup:    d,
		Repo:     repo,
	})
	if err != nil {
		t.Fatal(err)
	}

	startErr := make(chan error, 1)
	go func() { startErr <- p.Start(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for p.Status().State != PollerStarting && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if st := p.Status(); st.State != PollerStarting {
		t.Fatalf("state = %v, want starting", st.State)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err == nil {
		t.Error("Stop() while starting = nil, want error")
	}

	close(repo.gate)
	if err := <-startErr; err != nil {
		t.Fatal(err)
	}
	// Once the loop is running, Stop drains it as usual.
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() after Start finished = %v", err)
	}
	if st := p.Status(); st.State != PollerStopped {
		t.Errorf("state after Stop = %v, want stopped", st.State)
	}
}

func TestPoller_Lifecycle(t *testing.T) {
	repo := newMemRepo()
	e := event("radio", "Artist", "Track", time.Now())
	provider := &scriptedProvider{script: []func() (*entity.PlayEvent, error){fixed(e, nil)}}
	p := newTestPoller(t, provider, repo, clock.SystemClock{}, 5*time.Millisecond)

	if st := p.Status(); st.State != PollerStopped {
		t.Fatalf("initial state = %v, want stopped", st.State)
	}

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if st := p.Status(); st.State != PollerRunning {
		t.Fatalf("state after Start = %v, want running", st.State)
	}
	if err := p.Start(ctx); err == nil {
		t.Error("second Start: want error")
	}

	// Let a few ticks elapse on the real clock.
	deadline := time.Now().Add(time.Second)
	for provider.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := provider.callCount(); got < 3 {
		t.Fatalf("provider called %d times, want >= 3", got)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
	if st := p.Status(); st.State != PollerStopped {
		t.Fatalf("state after Stop = %v, want stopped", st.State)
	}

	// Stop is idempotent.
	if err := p.Stop(stopCtx); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}

	// A stopped poller can be started again.
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
}
