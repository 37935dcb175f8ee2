package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commerce-dash/settlement/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	rec := httptest.NewRecorder()

	WriteError(ctx, rec, NewError("order_invalid_state", "order\nis   closed", http.StatusConflict).
		With("orderId", "o-1"))

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "order_invalid_state", body["error"])
	assert.Equal(t, "order is closed", body["message"])
	assert.Equal(t, "trace-1", body["trace_id"])
	assert.Equal(t, map[string]any{"orderId": "o-1"}, body["details"])
	assert.EqualValues(t, 409, body["status"])
	assert.NotContains(t, body, "request_id")
}

func TestNewErrorDefaultsAndLimits(t *testing.T) {
	err := NewError(strings.Repeat("é", 60), "msg", 0)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
	assert.LessOrEqual(t, len(err.Code), maxCodeLen)
	assert.True(t, strings.HasPrefix(err.Code, "é"))
}

func TestErrorWithDoesNotAlias(t *testing.T) {
	base := NewError("invalid_request", "bad", http.StatusBadRequest).With("field", "status")
	derived := base.With("reason", "unknown")

	assert.Len(t, base.Details, 1)
	assert.Len(t, derived.Details, 2)

	var target Error
	require.True(t, errors.As(error(derived), &target))
	assert.Equal(t, "invalid_request: bad", target.Error())
}
