package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type routedError struct {
	Error     string            `json:"error"`
	RequestID string            `json:"request_id"`
	Details   map[string]string `json:"details"`
}

func serve(router http.Handler, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestNewRouterRoutes(t *testing.T) {
	router := NewRouter(
		WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# HELP settlement_jobs_total"))
		})),
		WithOrderRoutes(func(r chi.Router) {
			r.Patch("/{orderID}/change-status", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Order", chi.URLParam(r, "orderID"))
				w.WriteHeader(http.StatusNoContent)
			})
		}),
	)

	cases := []struct {
		name   string
		method string
		path   string
		status int
		code   string
		group  string
	}{
		{"liveness", http.MethodGet, "/healthz", http.StatusOK, "", ""},
		{"readiness without system service", http.MethodGet, "/readyz", http.StatusOK, "", ""},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK, "", ""},
		{"order status change", http.MethodPatch, "/api/order/ord-1/change-status", http.StatusNoContent, "", ""},
		{"wrong verb on order route", http.MethodGet, "/api/order/ord-1/change-status", http.StatusMethodNotAllowed, "method_not_allowed", ""},
		{"internal group not enabled", http.MethodPost, "/api/internal/orders/ord-1/settle", http.StatusNotImplemented, "not_implemented", internalGroup},
		{"unknown path", http.MethodGet, "/v1/orders", http.StatusNotFound, "route_not_found", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(router, tc.method, tc.path)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rr.Code, rr.Body.String())
			}
			if tc.code == "" {
				return
			}
			var body routedError
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("expected JSON error: %v", err)
			}
			if body.Error != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, body.Error)
			}
			if body.RequestID == "" {
				t.Error("expected the request id in the error envelope")
			}
			if tc.group != "" && body.Details["group"] != tc.group {
				t.Errorf("expected group %s in details, got %v", tc.group, body.Details)
			}
		})
	}
}

func TestNewRouterOrderParam(t *testing.T) {
	router := NewRouter(WithOrderRoutes(func(r chi.Router) {
		r.Patch("/{orderID}/change-status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Order", chi.URLParam(r, "orderID"))
		})
	}))
	rr := serve(router, http.MethodPatch, "/api/order/6f1d/change-status")
	if rr.Header().Get("X-Order") != "6f1d" {
		t.Fatalf("expected the order id to reach the handler, got %q", rr.Header().Get("X-Order"))
	}
}

func TestNewRouterWithoutMetrics(t *testing.T) {
	if rr := serve(NewRouter(), http.MethodGet, "/metrics"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a metrics handler, got %d", rr.Code)
	}
}

func TestNewRouterBasePath(t *testing.T) {
	router := NewRouter(WithBasePath("/v2"), WithInternalRoutes(func(r chi.Router) {
		r.Post("/orders/{orderID}/settle", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
	}))
	if rr := serve(router, http.MethodPost, "/v2/internal/orders/o/settle"); rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 under the custom base path, got %d", rr.Code)
	}
	if rr := serve(router, http.MethodPost, "/api/internal/orders/o/settle"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected the default prefix to be gone, got %d", rr.Code)
	}
}

func TestNewRouterMiddlewareScopes(t *testing.T) {
	tag := func(value string) middlewareFunc {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Add("X-Seen", value)
				next.ServeHTTP(w, r)
			})
		}
	}
	ok := func(r chi.Router) {
		r.HandleFunc("/*", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	}
	router := NewRouter(
		WithMiddlewares(tag("global")),
		WithOrderMiddlewares(tag("order")),
		WithOrderRoutes(ok),
		WithInternalMiddlewares(tag("internal")),
		WithInternalRoutes(ok),
	)

	cases := map[string][]string{
		"/api/order/x/change-status": {"global", "order"},
		"/api/internal/orders/x":     {"global", "internal"},
		"/healthz":                   {"global"},
	}
	for path, want := range cases {
		got := serve(router, http.MethodGet, path).Header().Values("X-Seen")
		if len(got) != len(want) {
			t.Fatalf("%s: expected %v, got %v", path, want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s: expected %v, got %v", path, want, got)
			}
		}
	}
}

func TestNewRouterRequestTimeout(t *testing.T) {
	var remaining time.Duration
	router := NewRouter(
		WithRequestTimeout(5*time.Second),
		WithOrderRoutes(func(r chi.Router) {
			r.Get("/{orderID}", func(w http.ResponseWriter, r *http.Request) {
				if deadline, ok := r.Context().Deadline(); ok {
					remaining = time.Until(deadline)
				}
			})
		}),
	)

	serve(router, http.MethodGet, "/api/order/abc")
	if remaining <= 0 || remaining > 5*time.Second {
		t.Fatalf("expected a deadline within 5s, got %v", remaining)
	}
}
