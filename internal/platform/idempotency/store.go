// Package idempotency replays the stored response when a status-change or internal job request
// is retried with the same Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"
)

// DefaultTTL is how long a key stays reserved or replayable.
const DefaultTTL = 24 * time.Hour

// State is the lifecycle of a stored key.
type State string

const (
	StateInFlight State = "in_flight"
	StateDone     State = "done"
)

// Outcome tells the middleware what to do with a reserved key.
type Outcome int

const (
	// OutcomeProceed means the caller owns the key and must run the handler.
	OutcomeProceed Outcome = iota
	// OutcomeReplay means a finished response is stored under the key.
	OutcomeReplay
	// OutcomeBusy means another request holds the key.
	OutcomeBusy
)

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reused for a different request")

// Claim identifies one attempt to use a key.
type Claim struct {
	Key         string
	Fingerprint string
	At          time.Time
	TTL         time.Duration
}

func (c Claim) normalised() Claim {
	c.At = c.At.UTC()
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	return c
}

// DocID is the storage id for the key. Raw keys are client supplied and never used as ids.
func (c Claim) DocID() string {
	sum := sha256.Sum256([]byte(c.Key))
	return hex.EncodeToString(sum[:])
}

// Record is the stored state of a key.
type Record struct {
	Key         string
	Fingerprint string
	State       State
	Status      int
	Header      http.Header
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Response is what the handler wrote.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Store persists key reservations and finished responses.
type Store interface {
	Reserve(ctx context.Context, claim Claim) (Outcome, Record, error)
	Complete(ctx context.Context, claim Claim, resp Response) error
	Release(ctx context.Context, claim Claim) error
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

// decide applies the reservation rules to whatever is stored under the claim's key. When
// write is true the returned record must be persisted.
func decide(existing *Record, claim Claim) (outcome Outcome, rec Record, write bool, err error) {
	if existing == nil || existing.expired(claim.At) {
		rec = Record{
			Key:         claim.Key,
			Fingerprint: claim.Fingerprint,
			State:       StateInFlight,
			CreatedAt:   claim.At,
			ExpiresAt:   claim.At.Add(claim.TTL),
		}
		return OutcomeProceed, rec, true, nil
	}
	if existing.Fingerprint != claim.Fingerprint {
		return 0, Record{}, false, ErrFingerprintMismatch
	}
	if existing.State == StateDone {
		return OutcomeReplay, *existing, false, nil
	}
	return OutcomeBusy, *existing, false, nil
}

// finish turns a reservation into a replayable record.
func finish(existing *Record, claim Claim, resp Response) (Record, error) {
	rec := Record{Key: claim.Key, Fingerprint: claim.Fingerprint, CreatedAt: claim.At}
	if existing != nil {
		if existing.Fingerprint != claim.Fingerprint {
			return Record{}, ErrFingerprintMismatch
		}
		rec.CreatedAt = existing.CreatedAt
	}
	rec.State = StateDone
	rec.Status = resp.Status
	rec.Header = replayableHeader(resp.Header)
	if len(resp.Body) > 0 {
		rec.Body = append([]byte(nil), resp.Body...)
	}
	rec.ExpiresAt = claim.At.Add(claim.TTL)
	return rec, nil
}

var hopByHop = map[string]struct{}{
	"Connection":            {},
	"Content-Length":        {},
	"Date":                  {},
	"Keep-Alive":            {},
	"Proxy-Authenticate":    {},
	"Proxy-Authorization":   {},
	"Te":                    {},
	"Trailer":               {},
	"Transfer-Encoding":     {},
	"Upgrade":               {},
	"X-Cloud-Trace-Context": {},
}

// replayableHeader copies h without per-connection and per-request headers.
func replayableHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		name = http.CanonicalHeaderKey(name)
		if _, skip := hopByHop[name]; skip {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}
