package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingPruner struct {
	calls atomic.Int32
	err   error
}

func (p *countingPruner) Prune(ctx context.Context) (int, error) {
	p.calls.Add(1)
	return 2, p.err
}

func TestSweeper_RunOnce(t *testing.T) {
	p := &countingPruner{}
	s, err := NewSweeper(p, "@every 1h", nil)
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}

	s.RunOnce()
	p.err = errors.New("unreachable")
	s.RunOnce()

	if got := p.calls.Load(); got != 2 {
		t.Errorf("Prune called %d times, want 2", got)
	}
}

func TestSweeper_Schedule(t *testing.T) {
	p := &countingPruner{}
	s, err := NewSweeper(p, "@every 1s", nil)
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}
	s.Start()

	deadline := time.Now().Add(5 * time.Second)
	for p.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop()

	if p.calls.Load() == 0 {
		t.Error("expected scheduled sweep to run")
	}
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	if _, err := NewSweeper(&countingPruner{}, "not a schedule", nil); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestInstrumentedBackend_ForwardsPrune(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), DefaultTTL)
	if err != nil {
		t.Fatal(err)
	}
	inst := Instrument(backend)
	ctx := context.Background()

	id, err := inst.CreateSession(ctx, "u1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if res := inst.AppendMessage(ctx, id, "u1", RoleUser, Text("hi")); !res.Success {
		t.Fatalf("AppendMessage() failed: %v", res.Err)
	}
	if n, err := inst.Prune(ctx); err != nil || n != 0 {
		t.Errorf("Prune() = %d, %v", n, err)
	}

	var _ Pruner = inst
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.BaseDir = t.TempDir()
	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		t.Fatalf("NewBackend(file) error = %v", err)
	}
	_ = backend.Close()

	cfg.Store = "cassandra"
	if _, err := NewBackend(ctx, cfg); err == nil {
		t.Error("expected error for unknown store")
	}

	cfg.Store = "file"
	cfg.TTL = "bogus"
	if _, err := NewBackend(ctx, cfg); err == nil {
		t.Error("expected error for invalid ttl")
	}
}
