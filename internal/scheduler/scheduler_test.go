package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTrigger(t *testing.T) {
	r := New(context.Background(), time.UTC)
	var runs atomic.Int32
	if err := r.Register(JobResolveHourly, "0 5 * * * *", func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Trigger(context.Background(), JobResolveHourly); err != nil {
		t.Fatal(err)
	}
	if err := r.Trigger(context.Background(), JobResolveHourly); err != nil {
		t.Fatal(err)
	}
	if got := runs.Load(); got != 2 {
		t.Errorf("expected 2 runs, got %d", got)
	}
}

func TestTrigger_PropagatesJobError(t *testing.T) {
	r := New(context.Background(), time.UTC)
	boom := errors.New("boom")
	if err := r.Register(JobLedgerAudit, "", func(context.Context) error { return boom }); err != nil {
		t.Fatal(err)
	}
	if err := r.Trigger(context.Background(), JobLedgerAudit); !errors.Is(err, boom) {
		t.Errorf("expected job error, got %v", err)
	}
}

func TestTrigger_UnknownJob(t *testing.T) {
	r := New(context.Background(), time.UTC)
	if err := r.Trigger(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	r := New(context.Background(), time.UTC)
	noop := func(context.Context) error { return nil }

	if err := r.Register(JobPublish, "not a spec", noop); err == nil {
		t.Error("expected an invalid spec to be rejected")
	}
	if err := r.Register(JobPublish, "0 0 10 * * *", noop); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(JobPublish, "0 0 10 * * *", noop); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("expected ErrDuplicateJob, got %v", err)
	}
	if err := r.Register(JobSettleMaturities, "0 5 10 * * *", noop); err != nil {
		t.Fatal(err)
	}

	got := r.Jobs()
	if len(got) != 2 || got[0] != JobPublish || got[1] != JobSettleMaturities {
		t.Errorf("unexpected job list %v", got)
	}
}

func TestStartStop(t *testing.T) {
	r := New(context.Background(), time.UTC)
	fired := make(chan struct{}, 1)
	if err := r.Register("tick", "* * * * * *", func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	r.Start()
	defer r.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled job did not fire")
	}
}
