package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alucardeht/toolbridge/internal/config"
	"github.com/alucardeht/toolbridge/internal/rpc"
	"github.com/alucardeht/toolbridge/internal/transport"
)

func fastPolicy() *Policy {
	cfg := config.Default()
	cfg.Retry.RetryDelay = time.Millisecond
	cfg.Retry.MaxRetryDelay = 5 * time.Millisecond
	cfg.Retry.ConnectionDelay = time.Millisecond
	cfg.Retry.ConnectionMaxDelay = 5 * time.Millisecond
	cfg.Retry.TimeoutDelay = time.Millisecond
	cfg.Retry.TimeoutMaxDelay = 5 * time.Millisecond
	return NewPolicy(cfg.Retry, cfg.Timeouts)
}

func TestDoAttemptsExactlyN(t *testing.T) {
	p := fastPolicy()
	boom := errors.New("boom")

	for _, n := range []int{1, 2, 5} {
		var calls atomic.Int32
		_, err := Do(context.Background(), p, Options{OpType: OpToolCall, Attempts: n}, func(ctx context.Context) (int, error) {
			calls.Add(1)
			return 0, boom
		})

		var failed *OperationFailed
		if !errors.As(err, &failed) {
			t.Fatalf("attempts=%d: expected OperationFailed, got %v", n, err)
		}
		if failed.Attempts != n || int(calls.Load()) != n {
			t.Errorf("attempts=%d: reported %d, ran %d", n, failed.Attempts, calls.Load())
		}
		if !errors.Is(err, boom) {
			t.Errorf("OperationFailed should unwrap to the last error")
		}
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	p := fastPolicy()
	var calls int
	v, err := Do(context.Background(), p, Options{Attempts: 5}, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" || calls != 3 {
		t.Fatalf("got %q, %v after %d calls", v, err, calls)
	}
}

func TestDoDoesNotRetryFatal(t *testing.T) {
	p := fastPolicy()

	tests := []struct {
		name string
		err  error
	}{
		{"tool error", &rpc.ToolError{Code: -32000, Message: "nope"}},
		{"spawn error", &transport.SpawnError{Command: "missing", Err: errors.New("not found")}},
		{"breaker open", transport.ErrBreakerOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			_, err := Do(context.Background(), p, Options{Attempts: 4}, func(ctx context.Context) (int, error) {
				calls++
				return 0, tt.err
			})
			if calls != 1 {
				t.Errorf("expected 1 call, got %d", calls)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("expected the original error, got %v", err)
			}
			var failed *OperationFailed
			if errors.As(err, &failed) {
				t.Errorf("fatal errors must not be wrapped in OperationFailed")
			}
		})
	}
}

func TestDoReconnectsBeforeConnectionRetry(t *testing.T) {
	p := fastPolicy()
	var reconnects atomic.Int32
	p.SetReconnect(func(ctx context.Context) error {
		reconnects.Add(1)
		return nil
	})

	_, err := Do(context.Background(), p, Options{Attempts: 3}, func(ctx context.Context) (int, error) {
		return 0, rpc.ErrConnectionLost
	})
	if !errors.Is(err, rpc.ErrConnectionLost) {
		t.Fatalf("unexpected error %v", err)
	}
	if got := reconnects.Load(); got != 2 {
		t.Errorf("expected 2 reconnects, got %d", got)
	}
}

func TestDoParentCancel(t *testing.T) {
	p := fastPolicy()
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	_, err := Do(ctx, p, Options{Attempts: 10}, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestAttemptTimeoutGrowsAndCaps(t *testing.T) {
	p := fastPolicy()
	base := 100 * time.Millisecond

	prev := time.Duration(0)
	for i := 0; i < 8; i++ {
		d := p.AttemptTimeout(base, i)
		if d < prev {
			t.Errorf("attempt %d timeout %v shrank from %v", i, d, prev)
		}
		if d > 3*base {
			t.Errorf("attempt %d timeout %v exceeds cap", i, d)
		}
		prev = d
	}
	if got := p.AttemptTimeout(base, 1); got != 150*time.Millisecond {
		t.Errorf("expected 150ms for second attempt, got %v", got)
	}
}

func TestDoGivesEachAttemptItsTimeout(t *testing.T) {
	p := fastPolicy()
	var budgets []time.Duration

	Do(context.Background(), p, Options{Attempts: 3, BaseTimeout: time.Second}, func(ctx context.Context) (int, error) {
		deadline, _ := ctx.Deadline()
		budgets = append(budgets, time.Until(deadline))
		return 0, errors.New("fail")
	})

	if len(budgets) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(budgets))
	}
	if !(budgets[0] < budgets[1] && budgets[1] < budgets[2]) {
		t.Errorf("later attempts should get more time: %v", budgets)
	}
}

func TestBackoffBounds(t *testing.T) {
	cfg := config.Default()
	p := NewPolicy(cfg.Retry, cfg.Timeouts)

	for _, class := range []Class{ClassOther, ClassTimeout, ClassConnection} {
		_, cap := p.curve(class)
		prevNominal := time.Duration(0)

		for n := 1; n <= 8; n++ {
			nominal := p.NominalBackoff(class, n, 1)
			if nominal < prevNominal {
				t.Errorf("%s: nominal backoff decreased at n=%d", class, n)
			}
			if nominal > cap {
				t.Errorf("%s: nominal %v above cap %v", class, nominal, cap)
			}
			prevNominal = nominal

			lo := time.Duration(float64(nominal) * 0.8)
			hi := time.Duration(float64(nominal) * 1.2)
			for i := 0; i < 200; i++ {
				d := p.Backoff(class, n, 1)
				if d < lo || d > hi {
					t.Fatalf("%s n=%d: %v outside [%v, %v]", class, n, d, lo, hi)
				}
			}
		}
	}
}

func TestBackoffClassOrdering(t *testing.T) {
	cfg := config.Default()
	p := NewPolicy(cfg.Retry, cfg.Timeouts)

	timeout := p.NominalBackoff(ClassTimeout, 1, 1)
	conn := p.NominalBackoff(ClassConnection, 1, 1)
	other := p.NominalBackoff(ClassOther, 1, 1)
	if !(timeout > conn && conn > other) {
		t.Errorf("expected timeout > connection > other, got %v %v %v", timeout, conn, other)
	}

	if scaled := p.NominalBackoff(ClassOther, 1, 2); scaled != 2*other {
		t.Errorf("delay scale not applied: %v", scaled)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{&rpc.RequestTimeout{Method: "tools/call"}, ClassTimeout},
		{context.DeadlineExceeded, ClassTimeout},
		{rpc.ErrNotConnected, ClassConnection},
		{&transport.WriteError{Err: errors.New("broken pipe")}, ClassConnection},
		{&rpc.ToolError{}, ClassFatal},
		{context.Canceled, ClassFatal},
		{errors.New("other"), ClassOther},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
