package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultCollection holds one document per key, named by Claim.DocID.
const DefaultCollection = "settlement_idempotency"

const (
	defaultTxAttempts = 5
	defaultPurgeLimit = 200
)

// FirestoreOption customises a FirestoreStore.
type FirestoreOption func(*FirestoreStore)

func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithMaxAttempts bounds transaction retries on contention.
func WithMaxAttempts(n int) FirestoreOption {
	return func(s *FirestoreStore) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// FirestoreStore shares keys across API instances. Reserve and Complete run in transactions
// so two instances never both proceed on one key.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	attempts   int
}

func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{client: client, collection: DefaultCollection, attempts: defaultTxAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *FirestoreStore) doc(claim Claim) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(claim.DocID())
}

func (s *FirestoreStore) Reserve(ctx context.Context, claim Claim) (Outcome, Record, error) {
	claim = claim.normalised()
	ref := s.doc(claim)

	var (
		outcome Outcome
		rec     Record
	)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, err := readRecord(tx, ref)
		if err != nil {
			return err
		}
		var write bool
		outcome, rec, write, err = decide(existing, claim)
		if err != nil || !write {
			return err
		}
		return tx.Set(ref, toDoc(rec))
	}, firestore.MaxAttempts(s.attempts))
	return outcome, rec, err
}

func (s *FirestoreStore) Complete(ctx context.Context, claim Claim, resp Response) error {
	claim = claim.normalised()
	ref := s.doc(claim)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, err := readRecord(tx, ref)
		if err != nil {
			return err
		}
		rec, err := finish(existing, claim, resp)
		if err != nil {
			return err
		}
		return tx.Set(ref, toDoc(rec))
	}, firestore.MaxAttempts(s.attempts))
}

func (s *FirestoreStore) Release(ctx context.Context, claim Claim) error {
	_, err := s.doc(claim).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

// Purge deletes expired documents in one batch of at most limit.
func (s *FirestoreStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultPurgeLimit
	}
	docs, err := s.client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).
		GetAll()
	if err != nil || len(docs) == 0 {
		return 0, err
	}
	batch := s.client.Batch()
	for _, d := range docs {
		batch.Delete(d.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, err
	}
	return len(docs), nil
}

func readRecord(tx *firestore.Transaction, ref *firestore.DocumentRef) (*Record, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d keyDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, err
	}
	rec := d.record()
	return &rec, nil
}

type keyDoc struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	State       string              `firestore:"state"`
	Status      int                 `firestore:"response_status"`
	Header      map[string][]string `firestore:"response_headers"`
	Body        []byte              `firestore:"response_body"`
	CreatedAt   time.Time           `firestore:"created_at"`
	ExpiresAt   time.Time           `firestore:"expires_at"`
}

func toDoc(r Record) keyDoc {
	return keyDoc{
		Key:         r.Key,
		Fingerprint: r.Fingerprint,
		State:       string(r.State),
		Status:      r.Status,
		Header:      r.Header,
		Body:        r.Body,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

func (d keyDoc) record() Record {
	return Record{
		Key:         d.Key,
		Fingerprint: d.Fingerprint,
		State:       State(d.State),
		Status:      d.Status,
		Header:      d.Header,
		Body:        d.Body,
		CreatedAt:   d.CreatedAt,
		ExpiresAt:   d.ExpiresAt,
	}
}
