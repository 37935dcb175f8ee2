package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/commerce-dash/settlement/internal/platform/httpx"
	"github.com/commerce-dash/settlement/internal/platform/requestctx"
)

const (
	defaultHeader = "Idempotency-Key"
	// ReplayHeader marks a response served from the store.
	ReplayHeader = "X-Idempotent-Replay"
	anonymous    = "anonymous"
)

// Logger receives persistence failures that cannot be surfaced to the client.
type Logger interface {
	Printf(format string, args ...any)
}

type options struct {
	header   string
	ttl      time.Duration
	methods  map[string]bool
	now      func() time.Time
	logger   Logger
	optional bool
}

// MiddlewareOption customises Middleware.
type MiddlewareOption func(*options)

func WithHeader(name string) MiddlewareOption {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.header = name
		}
	}
}

func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithMethods replaces the guarded methods (POST, PUT, PATCH and DELETE by default).
func WithMethods(methods ...string) MiddlewareOption {
	return func(o *options) {
		set := make(map[string]bool, len(methods))
		for _, m := range methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				set[m] = true
			}
		}
		if len(set) > 0 {
			o.methods = set
		}
	}
}

func WithLogger(logger Logger) MiddlewareOption {
	return func(o *options) { o.logger = logger }
}

// WithOptionalKey lets requests without the header run unguarded instead of failing with 400.
func WithOptionalKey() MiddlewareOption {
	return func(o *options) { o.optional = true }
}

func WithClock(now func() time.Time) MiddlewareOption {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Middleware runs the handler at most once per (actor, key). A retry with the same body gets
// the stored response; a different body under the same key gets 409.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	o := options{
		header: defaultHeader,
		ttl:    DefaultTTL,
		methods: map[string]bool{
			http.MethodPost:   true,
			http.MethodPut:    true,
			http.MethodPatch:  true,
			http.MethodDelete: true,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if !o.methods[r.Method] {
				next.ServeHTTP(w, r)
				return
			}
			key := strings.TrimSpace(r.Header.Get(o.header))
			if key == "" {
				if o.optional {
					next.ServeHTTP(w, r)
					return
				}
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", "missing "+o.header+" header", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}
			actor := requester(r)
			claim := Claim{
				Key:         actor + "|" + key,
				Fingerprint: fingerprint(r, actor, body),
				At:          o.now(),
				TTL:         o.ttl,
			}

			outcome, rec, err := store.Reserve(ctx, claim)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
				return
			case err != nil:
				o.logf("idempotency: reserve %q: %v", key, err)
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "unable to process idempotency key", http.StatusInternalServerError))
				return
			case outcome == OutcomeReplay:
				replay(w, rec)
				return
			case outcome == OutcomeBusy:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict))
				return
			}

			buf := &bufferedWriter{header: make(http.Header)}
			next.ServeHTTP(buf, r)

			resp := buf.response()
			if resp.Status >= http.StatusInternalServerError {
				// Failed transitions roll back, so a retry with the same key runs again.
				if err := store.Release(ctx, claim); err != nil {
					o.logf("idempotency: release %q: %v", key, err)
				}
				if err := buf.flush(w); err != nil {
					o.logf("idempotency: flush %q: %v", key, err)
				}
				return
			}

			claim.At = o.now()
			if err := store.Complete(ctx, claim, resp); err != nil {
				o.logf("idempotency: save %q: %v", key, err)
				if err := store.Release(ctx, claim); err != nil {
					o.logf("idempotency: release %q: %v", key, err)
				}
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "unable to persist idempotency state", http.StatusInternalServerError))
				return
			}
			if err := buf.flush(w); err != nil {
				o.logf("idempotency: flush %q: %v", key, err)
			}
		})
	}
}

func (o options) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}

func requester(r *http.Request) string {
	if actor := strings.TrimSpace(requestctx.Actor(r.Context())); actor != "" {
		return actor
	}
	return anonymous
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// fingerprint covers everything that changes the meaning of a status-change request.
func fingerprint(r *http.Request, actor string, body []byte) string {
	h := sha256.New()
	for _, part := range []string{
		r.Method,
		r.URL.Path,
		r.URL.RawQuery,
		r.Header.Get("Content-Type"),
		actor,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func replay(w http.ResponseWriter, rec Record) {
	dst := w.Header()
	for name, values := range rec.Header {
		dst[name] = append([]string(nil), values...)
	}
	dst.Set(ReplayHeader, "true")
	status := rec.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(rec.Body)
}

// bufferedWriter holds the handler's response until it has been stored.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) response() Response {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	return Response{Status: status, Header: b.header.Clone(), Body: b.body.Bytes()}
}

func (b *bufferedWriter) flush(w http.ResponseWriter) error {
	dst := w.Header()
	for name, values := range b.header {
		dst[name] = values
	}
	w.WriteHeader(b.response().Status)
	_, err := w.Write(b.body.Bytes())
	return err
}
