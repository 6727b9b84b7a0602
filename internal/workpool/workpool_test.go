package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_ReturnsResult(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	defer p.Close()

	want := errors.New("boom")
	if err := p.Do(context.Background(), Resolve, func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
	if err := p.Do(context.Background(), Decode, func(context.Context) error { return nil }); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestDo_BoundsConcurrencyPerLane(t *testing.T) {
	t.Parallel()

	p := New(Config{ResolveWorkers: 2, DecodeWorkers: 1})
	defer p.Close()

	var cur, peak atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_ = p.Do(context.Background(), Resolve, func(context.Context) error {
				n := cur.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				cur.Add(-1)
				return nil
			})
		})
	}
	wg.Wait()
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency %d, want <= 2", got)
	}
}

func TestDo_LanesAreIndependent(t *testing.T) {
	t.Parallel()

	p := New(Config{ResolveWorkers: 1, DecodeWorkers: 1})
	defer p.Close()

	block := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), Decode, func(context.Context) error {
			<-block
			return nil
		})
	}()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Do(ctx, Resolve, func(context.Context) error { return nil }); err != nil {
		t.Errorf("resolve lane blocked by decode lane: %v", err)
	}
}

func TestDo_ContextCancelledWhileQueued(t *testing.T) {
	t.Parallel()

	p := New(Config{ResolveWorkers: 1, QueueDepth: 1})
	defer p.Close()

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), Resolve, func(context.Context) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Do(ctx, Resolve, func(context.Context) error {
		t.Error("cancelled job ran")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDo_RecoversPanic(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	defer p.Close()
	err := p.Do(context.Background(), Decode, func(context.Context) error { panic("bad frame") })
	if err == nil {
		t.Fatal("expected error from panicking job")
	}
	if err := p.Do(context.Background(), Decode, func(context.Context) error { return nil }); err != nil {
		t.Errorf("pool unusable after panic: %v", err)
	}
}

func TestDo_AfterClose(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	_ = p.Close()
	_ = p.Close()
	if err := p.Do(context.Background(), Resolve, func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
