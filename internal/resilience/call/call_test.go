package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"playlog/internal/pkg/clock"
	"playlog/internal/resilience/breaker"
	"playlog/internal/resilience/retry"
)

func testConfig(clk clock.Clock) Config {
	return Config{
		Service:          "test-service",
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      time.Minute,
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		},
		ConcurrencyLimit: 2,
		Clock:            clk,
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := testConfig(nil)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty service", func(c *Config) { c.Service = "" }, true},
		{"zero concurrency", func(c *Config) { c.ConcurrencyLimit = 0 }, true},
		{"negative attempt timeout", func(c *Config) { c.AttemptTimeout = -time.Second }, true},
		{"bad retry", func(c *Config) { c.Retry.MaxAttempts = 0 }, true},
		{"bad breaker", func(c *Config) { c.FailureThreshold = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCaller_RetriesThenSucceeds(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	c, err := NewCaller(testConfig(clk))
	if err != nil {
		t.Fatal(err)
	}

	calls := 0
	err = c.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return retry.Transient(errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}
	if got := clk.Sleeps(); len(got) != 2 || got[0] != time.Second || got[1] != 2*time.Second {
		t.Errorf("backoff sleeps = %v, want [1s 2s]", got)
	}
}

func TestCaller_AttemptTimeoutIsTransient(t *testing.T) {
	cfg := testConfig(clock.SystemClock{})
	cfg.AttemptTimeout = 10 * time.Millisecond
	cfg.Retry = retry.Config{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   2.0,
	}
	c, err := NewCaller(cfg)
	if err != nil {
		t.Fatal(err)
	}

	calls := 0
	err = c.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done() // block until the attempt deadline fires
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() = %v, want nil (timeout retried)", err)
	}
	if calls != 2 {
		t.Errorf("op called %d times, want 2", calls)
	}
}

func TestCaller_ParentCancelIsNotRetried(t *testing.T) {
	cfg := testConfig(clock.SystemClock{})
	cfg.AttemptTimeout = time.Second
	c, err := NewCaller(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err = c.Execute(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}

func TestCaller_BreakerOpensAndFailsFast(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	cfg := testConfig(clk)
	cfg.FailureThreshold = 2
	cfg.Retry.MaxAttempts = 2
	c, err := NewCaller(cfg)
	if err != nil {
		t.Fatal(err)
	}

	boom := retry.Transient(errors.New("down"))
	if err := c.Execute(context.Background(), func(ctx context.Context) error { return boom }); err == nil {
		t.Fatal("first Execute() = nil, want error")
	}
	if st := c.BreakerStatus(); st.State != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", st.State)
	}

	calls := 0
	err = c.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Fatalf("Execute() while open = %v, want ErrCircuitOpen", err)
	}
	if calls != 0 {
		t.Errorf("op called %d times while open, want 0", calls)
	}
}

func TestCaller_LimiterBoundsConcurrency(t *testing.T) {
	cfg := testConfig(clock.SystemClock{})
	cfg.ConcurrencyLimit = 1
	cfg.Retry.MaxAttempts = 1
	c, err := NewCaller(cfg)
	if err != nil {
		t.Fatal(err)
	}

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Execute(context.Background(), func(ctx context.Context) error {
				cur := atomic.AddInt32(&inFlight, 1)
				for {
					prev := atomic.LoadInt32(&maxInFlight)
					if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Errorf("max in-flight = %d, want 1", got)
	}
}

func TestRegistry(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	r := NewRegistry()

	cfgA := testConfig(clk)
	cfgA.Service = "service-a"
	cfgB := testConfig(clk)
	cfgB.Service = "service-b"

	if err := r.Configure(cfgA); err != nil {
		t.Fatal(err)
	}
	if err := r.Configure(cfgB); err != nil {
		t.Fatal(err)
	}
	if err := r.Configure(cfgA); err == nil {
		t.Error("Configure() duplicate service: want error")
	}

	if _, err := r.Caller("service-a"); err != nil {
		t.Errorf("Caller(service-a) = %v, want nil", err)
	}
	if _, err := r.Caller("missing"); err == nil {
		t.Error("Caller(missing): want error")
	}

	if got := r.Services(); len(got) != 2 || got[0] != "service-a" || got[1] != "service-b" {
		t.Errorf("Services() = %v, want [service-a service-b]", got)
	}

	statuses := r.BreakerStatuses()
	if len(statuses) != 2 {
		t.Fatalf("BreakerStatuses() returned %d entries, want 2", len(statuses))
	}
	for _, st := range statuses {
		if st.State != breaker.StateClosed {
			t.Errorf("breaker %s state = %v, want closed", st.Service, st.State)
		}
	}
}

// Two registered services must fail independently: tripping one breaker
// leaves the other serving.
func TestRegistry_IndependentBreakers(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	r := NewRegistry()

	for _, name := range []string{"service-a", "service-b"} {
		cfg := testConfig(clk)
		cfg.Service = name
		cfg.FailureThreshold = 1
		cfg.Retry.MaxAttempts = 1
		if err := r.Configure(cfg); err != nil {
			t.Fatal(err)
		}
	}

	a, _ := r.Caller("service-a")
	b, _ := r.Caller("service-b")

	_ = a.Execute(context.Background(), func(ctx context.Context) error {
		return retry.Transient(errors.New("down"))
	})
	if st := a.BreakerStatus(); st.State != breaker.StateOpen {
		t.Fatalf("service-a breaker = %v, want open", st.State)
	}

	if err := b.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("service-b Execute() = %v, want nil", err)
	}
	if st := b.BreakerStatus(); st.State != breaker.StateClosed {
		t.Errorf("service-b breaker = %v, want closed", st.State)
	}
}
