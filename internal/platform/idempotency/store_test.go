package idempotency

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	claim := Claim{Key: "ops-1|k", Fingerprint: "fp", At: fixedTime, TTL: time.Hour}

	if outcome, _, err := store.Reserve(ctx, claim); err != nil || outcome != OutcomeProceed {
		t.Fatalf("first reserve: outcome=%v err=%v", outcome, err)
	}
	if outcome, _, _ := store.Reserve(ctx, claim); outcome != OutcomeBusy {
		t.Fatalf("expected busy while in flight, got %v", outcome)
	}

	header := http.Header{"Content-Type": {"application/json"}, "Date": {"today"}}
	if err := store.Complete(ctx, claim, Response{Status: http.StatusOK, Header: header, Body: []byte(`{}`)}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	outcome, rec, err := store.Reserve(ctx, claim)
	if err != nil || outcome != OutcomeReplay {
		t.Fatalf("expected replay, got %v %v", outcome, err)
	}
	if rec.Header.Get("Date") != "" || rec.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected stored header %v", rec.Header)
	}
	if !rec.CreatedAt.Equal(fixedTime) {
		t.Fatalf("created_at should survive completion, got %v", rec.CreatedAt)
	}

	other := claim
	other.Fingerprint = "fp-2"
	if _, _, err := store.Reserve(ctx, other); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}
}

func TestMemoryStoreExpiredKeyIsReclaimed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	claim := Claim{Key: "k", Fingerprint: "fp", At: fixedTime, TTL: time.Minute}
	if _, _, err := store.Reserve(ctx, claim); err != nil {
		t.Fatal(err)
	}

	later := claim
	later.Fingerprint = "different"
	later.At = fixedTime.Add(time.Minute)
	if outcome, _, err := store.Reserve(ctx, later); err != nil || outcome != OutcomeProceed {
		t.Fatalf("expired key should be reusable, got %v %v", outcome, err)
	}
}

func TestMemoryStorePurge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, key := range []string{"a", "b", "c"} {
		if _, _, err := store.Reserve(ctx, Claim{Key: key, At: fixedTime, TTL: time.Minute}); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := store.Reserve(ctx, Claim{Key: "live", At: fixedTime, TTL: time.Hour}); err != nil {
		t.Fatal(err)
	}

	removed, _ := store.Purge(ctx, fixedTime.Add(2*time.Minute), 2)
	if removed != 2 {
		t.Fatalf("expected limit to cap purge at 2, got %d", removed)
	}
	removed, _ = store.Purge(ctx, fixedTime.Add(2*time.Minute), 0)
	if removed != 1 {
		t.Fatalf("expected remaining expired key purged, got %d", removed)
	}
	if len(store.records) != 1 {
		t.Fatalf("expected live key to remain, got %d records", len(store.records))
	}
}

func TestClaimDocIDHidesRawKey(t *testing.T) {
	id := Claim{Key: "ops-1|abc"}.DocID()
	if len(id) != 64 || id == "ops-1|abc" {
		t.Fatalf("unexpected doc id %q", id)
	}
}
