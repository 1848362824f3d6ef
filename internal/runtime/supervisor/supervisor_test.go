package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoCancelOnError(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("failing", func(ctx context.Context) error { return boom })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor context was not cancelled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("Wait err = %v, want %v", err, boom)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("panicky", func(ctx context.Context) error { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected panic to surface as error")
	}
	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSpawnCancelIsolated(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	task := s.Spawn("room.alice", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	other := s.Spawn("room.bob", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	task.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := task.Wait(ctx); err != nil {
		t.Fatalf("task did not stop: %v", err)
	}
	select {
	case <-other.Done():
		t.Fatal("cancelling one task stopped another")
	default:
	}
	if s.Context().Err() != nil {
		t.Fatal("task cancel must not cancel the supervisor")
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-other.Done()
}

func TestSpawnErrorDoesNotCancelSupervisor(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	task := s.Spawn("room.err", func(ctx context.Context) error { return errors.New("bad") })
	<-task.Done()
	if s.Context().Err() != nil {
		t.Fatal("spawned task error cancelled supervisor")
	}
	if s.Err() != nil {
		t.Fatalf("spawned task error published: %v", s.Err())
	}
}

func TestGoRestartRestartsUntilSuccess(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}
