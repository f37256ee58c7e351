package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAsyncTxDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []int
	a := NewAsyncTx[int](ctx, 16, func(v int) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	}, Hooks{})

	for i := 0; i < 10; i++ {
		if err := a.Send(i); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	a.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 10 {
		t.Fatalf("got %d values, want 10", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestAsyncTxDropsWhenFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	block := make(chan struct{})
	var drops atomic.Int32
	a := NewAsyncTx[int](ctx, 1, func(v int) error {
		<-block
		return nil
	}, Hooks{OnDrop: func() error {
		drops.Add(1)
		return errOverflow
	}})
	defer func() { close(block); a.Close() }()

	// First send is picked up by the worker immediately and blocks there;
	// the buffer (size 1) absorbs one more; further sends must drop.
	_ = a.Send(1)
	time.Sleep(20 * time.Millisecond)
	_ = a.Send(2)
	err := a.Send(3)
	if !errors.Is(err, errOverflow) {
		t.Fatalf("err = %v, want errOverflow", err)
	}
	if drops.Load() == 0 {
		t.Fatalf("expected at least one drop")
	}
}

var errOverflow = errors.New("overflow")

func TestAsyncTxSendAfterCloseFails(t *testing.T) {
	a := NewAsyncTx[int](context.Background(), 4, func(int) error { return nil }, Hooks{})
	a.Close()
	if err := a.Send(1); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("err = %v, want ErrAsyncTxClosed", err)
	}
}
