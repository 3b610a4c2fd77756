package reporting

import (
	"context"
	"testing"
	"time"

	"practice-dialer/internal/audit"
	"practice-dialer/internal/calls"
)

func seed(t *testing.T, now time.Time) (*calls.MemoryRepo, *audit.MemoryRepo) {
	t.Helper()
	ctx := context.Background()
	callRepo := calls.NewMemoryRepo()
	auditRepo := audit.NewMemoryRepo()

	rows := []calls.Call{
		{ID: "c1", UserID: "u", EID: "p1", Status: calls.StatusCompleted, Outcome: calls.OutcomeSuccess, DurationSeconds: 90, CreatedAt: now},
		{ID: "c2", UserID: "u", EID: "p2", Status: calls.StatusCompleted, Outcome: calls.OutcomeNoAnswer, CreatedAt: now},
		{ID: "c3", UserID: "u", EID: "p2", Status: calls.StatusFailed, Outcome: calls.OutcomeFailed, DurationSeconds: 30, CreatedAt: now},
		{ID: "c4", UserID: "u", EID: "p3", Status: calls.StatusFrozen, CreatedAt: now},
		{ID: "c5", UserID: "u", EID: "p4", Status: calls.StatusCompleted, DurationSeconds: 500, CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "c6", UserID: "other", EID: "p1", Status: calls.StatusCompleted, DurationSeconds: 70, CreatedAt: now},
	}
	for _, c := range rows {
		if err := callRepo.Insert(ctx, c); err != nil {
			t.Fatalf("insert %s: %v", c.ID, err)
		}
	}

	entries := []audit.Entry{
		{UserID: "u", EventType: audit.EventAllocate, Seconds: 900, CreatedAt: now.Add(-72 * time.Hour)},
		{UserID: "u", EventType: audit.EventDeduct, Seconds: 90, CallID: "c1", CreatedAt: now},
		{UserID: "u", EventType: audit.EventDeduct, Seconds: 20, GiftedSeconds: 10, CallID: "c3", CreatedAt: now},
		{UserID: "u", EventType: audit.EventRefund, Seconds: 20, CallID: "c3", CreatedAt: now},
		{UserID: "u", EventType: audit.EventAdminAward, Seconds: 300, Actor: "admin", CreatedAt: now},
		{UserID: "u", EventType: audit.EventFreeze, CallID: "c4", CreatedAt: now},
		{UserID: "other", EventType: audit.EventDeduct, Seconds: 70, CreatedAt: now},
	}
	for _, e := range entries {
		if err := auditRepo.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return callRepo, auditRepo
}

func TestUsage_Aggregates(t *testing.T) {
	now := time.Unix(1793613600, 0).UTC()
	callRepo, auditRepo := seed(t, now)
	svc := NewService(NewStoreRepo(callRepo, auditRepo))

	out, err := svc.Usage(context.Background(), UsageRequest{UserID: "u", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	c := out.Calls
	if c.TotalCalls != 4 || c.CompletedCalls != 2 || c.FailedCalls != 1 || c.FrozenCalls != 1 {
		t.Fatalf("unexpected call counts: %+v", c)
	}
	if c.Reached != 1 || c.Outcomes["no_answer"] != 1 || c.Outcomes["failed"] != 1 {
		t.Fatalf("unexpected outcomes: %+v", c)
	}
	if c.TotalDurationSeconds != 120 || c.AverageDurationSeconds != 60 {
		t.Fatalf("unexpected durations: %+v", c)
	}

	cr := out.Credits
	if cr.AllocatedSeconds != 0 {
		t.Fatalf("allocation outside range counted: %+v", cr)
	}
	if cr.DeductedSeconds != 110 || cr.GiftedSeconds != 10 || cr.RefundedSeconds != 20 || cr.AdminAwardSeconds != 300 {
		t.Fatalf("unexpected credit sums: %+v", cr)
	}
	if cr.Freezes != 1 || cr.NetSeconds != 210 {
		t.Fatalf("unexpected net/freezes: %+v", cr)
	}
}

func TestUsage_InvalidRequest(t *testing.T) {
	svc := NewService(NewStoreRepo(calls.NewMemoryRepo(), audit.NewMemoryRepo()))
	now := time.Now()
	cases := []UsageRequest{
		{Range: TimeRange{From: now, To: now.Add(time.Hour)}},
		{UserID: "u"},
		{UserID: "u", Range: TimeRange{From: now, To: now}},
	}
	for _, req := range cases {
		if _, err := svc.Usage(context.Background(), req); err != ErrInvalidRequest {
			t.Fatalf("expected ErrInvalidRequest for %+v, got %v", req, err)
		}
	}
}
