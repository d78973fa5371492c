package voxws

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voxist/voxist-go/internal/mockvoxist"
	"github.com/voxist/voxist-go/internal/observe"
	"github.com/voxist/voxist-go/pkg/stt"
)

func newTestPool(t *testing.T, srv *mockvoxist.Server, max int) *Pool {
	t.Helper()
	ex := NewTokenExchanger(srv.TokenURL(), srv.WSBase(), "test_key", nil)
	p := NewPool(PoolConfig{
		Exchanger:  ex,
		Language:   "fr",
		SampleRate: 16000,
		MaxSize:    max,
		IdleTTL:    30 * time.Second,
		SendQueue:  16,
	})
	t.Cleanup(p.CloseAll)
	return p
}

func TestPool_AcquireRelease(t *testing.T) {
	srv := mockvoxist.New(mockvoxist.Options{})
	defer srv.Close()
	p := newTestPool(t, srv, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if conn.State() != StateReady {
		t.Errorf("state: got %s, want ready", conn.State())
	}
	if idle, leased := p.Stats(); idle != 0 || leased != 1 {
		t.Errorf("stats: idle=%d leased=%d, want 0/1", idle, leased)
	}

	p.Release(conn)
	if idle, leased := p.Stats(); idle != 1 || leased != 0 {
		t.Errorf("stats after release: idle=%d leased=%d, want 1/0", idle, leased)
	}
}

func TestPool_ReusesWarmConnection(t *testing.T) {
	srv := mockvoxist.New(mockvoxist.Options{})
	defer srv.Close()
	p := newTestPool(t, srv, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(first)

	second, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if second.ID() != first.ID() {
		t.Error("expected warm connection to be reused")
	}
	if srv.Stats().TokenExchanges != 1 {
		t.Errorf("token exchanges: got %d, want 1", srv.Stats().TokenExchanges)
	}
}

func TestPool_ReleaseIdempotent(t *testing.T) {
	srv := mockvoxist.New(mockvoxist.Options{})
	defer srv.Close()
	p := newTestPool(t, srv, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(conn)
	p.Release(conn)
	if idle, leased := p.Stats(); idle != 1 || leased != 0 {
		t.Errorf("stats after double release: idle=%d leased=%d, want 1/0", idle, leased)
	}
}

func TestPool_SaturationBlocksUntilRelease(t *testing.T) {
	srv := mockvoxist.New(mockvoxist.Options{})
	defer srv.Close()
	p := newTestPool(t, srv, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("waiting Acquire: %v", err)
			close(got)
			return
		}
		got <- c
	}()

	select {
	case <-got:
		t.Fatal("second Acquire must block while the pool is saturated")
	case <-time.After(100 * time.Millisecond):
	}

	p.Release(conn)
	select {
	case c := <-got:
		if c == nil {
			t.Fatal("waiting Acquire failed")
		}
		if c.ID() != conn.ID() {
			t.Error("expected the released connection to be handed over")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting Acquire did not wake after release")
	}
}

func TestPool_AcquireDeadline(t *testing.T) {
	srv := mockvoxist.New(mockvoxist.Options{})
	defer srv.Close()
	p := newTestPool(t, srv, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	_, err := p.Acquire(waitCtx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err: got %v, want deadline exceeded", err)
	}
}

func TestPool_AuthErrorPropagates(t *testing.T) {
	srv := mockvoxist.New(mockvoxist.Options{})
	defer srv.Close()
	ex := NewTokenExchanger(srv.TokenURL(), srv.WSBase(), "wrong_key", nil)
	p := NewPool(PoolConfig{Exchanger: ex, Language: "fr", SampleRate: 16000, MaxSize: 1})
	defer p.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.Acquire(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := stt.KindOf(err); got != stt.KindAuth {
		t.Errorf("kind: got %q, want %q", got, stt.KindAuth)
	}
	// The failed dial must free its slot for the next attempt.
	if idle, leased := p.Stats(); idle != 0 || leased != 0 {
		t.Errorf("stats: idle=%d leased=%d, want 0/0", idle, leased)
	}
}

func TestPool_CloseAll(t *testing.T) {
	srv := mockvoxist.New(mockvoxist.Options{})
	defer srv.Close()
	p := newTestPool(t, srv, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(conn)

	p.CloseAll()
	if _, err := p.Acquire(ctx); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("err: got %v, want ErrPoolClosed", err)
	}
	// Idempotent.
	p.CloseAll()
}

func TestPool_ConnectionGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	srv := mockvoxist.New(mockvoxist.Options{})
	defer srv.Close()
	ex := NewTokenExchanger(srv.TokenURL(), srv.WSBase(), "test_key", nil)
	p := NewPool(PoolConfig{
		Exchanger:  ex,
		Language:   "fr",
		SampleRate: 16000,
		MaxSize:    2,
		Metrics:    metrics,
	})
	defer p.CloseAll()

	gauge := func() int64 {
		t.Helper()
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("Collect: %v", err)
		}
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				if m.Name != "voxist.pool.connections" {
					continue
				}
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok || len(sum.DataPoints) == 0 {
					return 0
				}
				return sum.DataPoints[0].Value
			}
		}
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := gauge(); got != 1 {
		t.Errorf("gauge after dial: got %d, want 1", got)
	}

	// A warm release keeps the connection alive.
	p.Release(conn)
	if got := gauge(); got != 1 {
		t.Errorf("gauge after warm release: got %d, want 1", got)
	}

	p.CloseAll()
	if got := gauge(); got != 0 {
		t.Errorf("gauge after CloseAll: got %d, want 0", got)
	}
}

func TestPool_DoesNotReuseDrainedConnection(t *testing.T) {
	srv := mockvoxist.New(mockvoxist.Options{})
	defer srv.Close()
	p := newTestPool(t, srv, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := conn.SendDone(ctx); err != nil {
		t.Fatalf("SendDone: %v", err)
	}
	p.Release(conn)
	if idle, leased := p.Stats(); idle != 0 || leased != 0 {
		t.Errorf("drained connection must not return to the warm list: idle=%d leased=%d", idle, leased)
	}
}
