package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/observelab/termdemo/internal/domain"
	"github.com/observelab/termdemo/internal/telemetry"
	"github.com/observelab/termdemo/pkg/logger"
)

func newTestInviteService(t *testing.T) (InviteService, *fakeInviteRepo) {
	t.Helper()
	l := logger.InitializeTestZapLogger()
	tel, err := telemetry.New("", l)
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	repo := newFakeInviteRepo()
	return NewInviteService(repo, tel, 30*24*time.Hour, l), repo
}

func TestValidate_SyntaxRejectedBeforeLookup(t *testing.T) {
	svc, repo := newTestInviteService(t)
	repo.failGet = true // a lookup would error; syntax check must win

	cases := []string{"", "abc", "has space", "bad!chars", strings.Repeat("x", 65)}
	for _, token := range cases {
		res := svc.Validate(context.Background(), token, "10.0.0.1", RejoinSnapshot{})
		if res.Valid || res.Reason != domain.ValidationReasonInvalid {
			t.Errorf("token %q: got %+v, want invalid", token, res)
		}
	}
}

func TestValidate_NotFound(t *testing.T) {
	svc, _ := newTestInviteService(t)

	res := svc.Validate(context.Background(), "missing-token", "10.0.0.1", RejoinSnapshot{})
	if res.Valid || res.Reason != domain.ValidationReasonNotFound {
		t.Errorf("got %+v, want not_found", res)
	}
}

func TestValidate_StoreFailureFailsClosed(t *testing.T) {
	svc, repo := newTestInviteService(t)
	repo.put("T1-token", activeInvite(time.Hour))
	repo.failGet = true

	res := svc.Validate(context.Background(), "T1-token", "10.0.0.1", RejoinSnapshot{})
	if res.Valid || res.Reason != domain.ValidationReasonNotFound {
		t.Errorf("got %+v, want not_found on store failure", res)
	}
}

func TestValidate_Revoked(t *testing.T) {
	svc, repo := newTestInviteService(t)
	rec := activeInvite(time.Hour)
	rec.Status = domain.InviteStatusRevoked
	repo.put("T1-token", rec)

	res := svc.Validate(context.Background(), "T1-token", "10.0.0.1", RejoinSnapshot{})
	if res.Valid || res.Reason != domain.ValidationReasonRevoked {
		t.Errorf("got %+v, want revoked", res)
	}
}

func TestValidate_UsedAndRejoin(t *testing.T) {
	svc, repo := newTestInviteService(t)
	rec := activeInvite(time.Hour)
	rec.UseCount = 1
	rec.Status = domain.InviteStatusUsed
	repo.put("T1-token", rec)

	// No matching holder: used.
	res := svc.Validate(context.Background(), "T1-token", "10.0.0.8", RejoinSnapshot{
		ActiveInviteToken:   "T1-token",
		ActiveSourceAddress: "10.0.0.7",
	})
	if res.Valid || res.Reason != domain.ValidationReasonUsed {
		t.Errorf("got %+v, want used", res)
	}

	// Active session match: rejoin.
	res = svc.Validate(context.Background(), "T1-token", "10.0.0.7", RejoinSnapshot{
		ActiveInviteToken:   "T1-token",
		ActiveSourceAddress: "10.0.0.7",
	})
	if !res.Valid || !res.Rejoin {
		t.Errorf("got %+v, want rejoin via active session", res)
	}

	// Pending entry match: rejoin.
	res = svc.Validate(context.Background(), "T1-token", "10.0.0.9", RejoinSnapshot{
		Pending: []PendingRef{{InviteToken: "T1-token", SourceAddress: "10.0.0.9"}},
	})
	if !res.Valid || !res.Rejoin {
		t.Errorf("got %+v, want rejoin via pending entry", res)
	}
}

func TestValidate_ExpiredFlipsStatus(t *testing.T) {
	svc, repo := newTestInviteService(t)
	rec := activeInvite(-time.Minute)
	repo.put("T1-token", rec)

	res := svc.Validate(context.Background(), "T1-token", "10.0.0.1", RejoinSnapshot{})
	if res.Valid || res.Reason != domain.ValidationReasonExpired {
		t.Errorf("got %+v, want expired", res)
	}

	stored, _ := repo.get("T1-token")
	if stored.Status != domain.InviteStatusExpired {
		t.Errorf("stored status = %s, want expired written back", stored.Status)
	}
}

func TestValidate_Active(t *testing.T) {
	svc, repo := newTestInviteService(t)
	repo.put("T1-token", activeInvite(time.Hour))

	res := svc.Validate(context.Background(), "T1-token", "10.0.0.1", RejoinSnapshot{})
	if !res.Valid || res.Rejoin {
		t.Errorf("got %+v, want plain valid", res)
	}
	if res.Record == nil || res.Record.MaxUses != 1 {
		t.Errorf("record not attached: %+v", res.Record)
	}
}

func TestRecordSessionAudit_AppendsAndConsumes(t *testing.T) {
	svc, repo := newTestInviteService(t)
	rec := activeInvite(time.Hour)
	repo.put("T1", rec)

	entry := domain.SessionAuditEntry{
		SessionID:     "sess-1",
		ClientID:      "client-1",
		StartedAt:     time.Now().Add(-10 * time.Minute),
		EndedAt:       time.Now(),
		EndReason:     "timeout",
		QueueWaitMs:   1500,
		SourceAddress: "10.0.0.7",
		UserAgent:     "test-agent/1.0",
	}
	svc.RecordSessionAudit(context.Background(), "T1", entry)

	stored, _ := repo.get("T1")
	if stored.UseCount != 1 || stored.Status != domain.InviteStatusUsed {
		t.Errorf("record = useCount %d status %s, want 1/used", stored.UseCount, stored.Status)
	}
	if len(stored.Sessions) != 1 || stored.Sessions[0].SessionID != "sess-1" {
		t.Fatalf("sessions = %+v", stored.Sessions)
	}

	// TTL covers expiry plus the audit retention window.
	repo.mu.Lock()
	ttl := repo.ttls["T1"]
	repo.mu.Unlock()
	if ttl < 29*24*time.Hour {
		t.Errorf("ttl = %s, want at least the retention window", ttl)
	}
}

func TestRecordSessionAudit_StoreFailureSwallowed(t *testing.T) {
	svc, repo := newTestInviteService(t)
	repo.failGet = true

	// Must not panic or propagate.
	svc.RecordSessionAudit(context.Background(), "T1", domain.SessionAuditEntry{SessionID: "sess-1"})
}

func TestRecordSessionAudit_TTLFloorOneDay(t *testing.T) {
	svc, repo := newTestInviteService(t)
	rec := activeInvite(time.Hour)
	rec.ExpiresAt = time.Now().Add(-60 * 24 * time.Hour) // long past retention
	repo.put("T1", rec)

	svc.RecordSessionAudit(context.Background(), "T1", domain.SessionAuditEntry{SessionID: "sess-1"})

	repo.mu.Lock()
	ttl := repo.ttls["T1"]
	repo.mu.Unlock()
	if ttl < 24*time.Hour {
		t.Errorf("ttl = %s, want the one day floor", ttl)
	}
}
