package listener

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestListener_HandlesInOrder(t *testing.T) {
	in := make(chan int, 10)
	var got []int
	stopped := false
	l := New(in, func(v int) error {
		got = append(got, v)
		return nil
	}, func() { stopped = true })

	l.Start(context.Background())
	for i := 0; i < 5; i++ {
		in <- i
	}
	deadline := time.Now().Add(time.Second)
	for len(in) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	l.Stop()

	if !stopped {
		t.Fatalf("stop handler was not called")
	}
	if len(got) != 5 {
		t.Fatalf("handled %d inputs, want 5", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order: got[%d]=%d", i, v)
		}
	}
}

func TestListener_OnError(t *testing.T) {
	in := make(chan int, 1)
	errs := make(chan error, 1)
	l := New(in, func(int) error { return errors.New("boom") }).OnError(func(err error) { errs <- err })
	l.Start(context.Background())
	defer l.Stop()

	in <- 1
	select {
	case err := <-errs:
		if err == nil {
			t.Fatalf("expected error")
		}
	case <-time.After(time.Second):
		t.Fatalf("error handler not called")
	}
}

func TestListener_ClosedInputStops(t *testing.T) {
	in := make(chan int)
	l := New(in, func(int) error { return nil })
	l.Start(context.Background())
	close(in)

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatalf("listener did not exit on closed channel")
	}
	l.Stop()
}
