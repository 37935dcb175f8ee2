package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/commerce-dash/settlement/internal/platform/httpx"
	"github.com/commerce-dash/settlement/internal/platform/requestctx"
	"github.com/commerce-dash/settlement/internal/services"
)

const (
	maxChangeStatusBodySize = 4 * 1024
	changeStatusSchemaURL   = "https://settlement.schemas.local/order/change-status.schema.json"
)

const changeStatusSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "status": {"type": "string", "minLength": 1, "maxLength": 32}
  },
  "required": ["status"]
}`

var errBodyTooLarge = errors.New("request body too large")

// OrderHandlers exposes the order status endpoints.
type OrderHandlers struct {
	orders services.OrderTransitionService
	schema *jsonschema.Schema
}

// NewOrderHandlers constructs order handlers and compiles the request schema.
func NewOrderHandlers(orders services.OrderTransitionService) (*OrderHandlers, error) {
	schema, err := compileSchema(changeStatusSchemaURL, changeStatusSchema)
	if err != nil {
		return nil, err
	}
	return &OrderHandlers{orders: orders, schema: schema}, nil
}

// Routes registers the /order endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Patch("/{orderID}/change-status", h.changeStatus)
}

// InternalRoutes registers operator endpoints under /internal.
func (h *OrderHandlers) InternalRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderID}/settle", h.settleOrder)
}

type changeStatusRequest struct {
	Status string `json:"status"`
}

// changeStatusResponse is the public contract; job ids are only exposed on the internal settle route.
type changeStatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type settleOrderResponse struct {
	ID   string   `json:"id"`
	Jobs []string `json:"jobs"`
}

func (h *OrderHandlers) changeStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxChangeStatusBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req changeStatusRequest
	if err := h.validate(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID: orderID,
		Status:  req.Status,
		ActorID: requestctx.Actor(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, changeStatusResponse{
		ID:     result.ID,
		Status: string(result.Status),
	})
}

func (h *OrderHandlers) settleOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	result, err := h.orders.Resettle(ctx, services.ResettleOrderCommand{
		OrderID: orderID,
		ActorID: requestctx.Actor(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	jobs := result.JobIDs
	if jobs == nil {
		jobs = []string{}
	}
	httpx.WriteJSON(w, http.StatusAccepted, settleOrderResponse{ID: result.OrderID, Jobs: jobs})
}

// validate checks the raw body against the compiled schema before decoding it into dst.
func (h *OrderHandlers) validate(body []byte, dst any) error {
	if len(body) == 0 {
		return errors.New("request body is required")
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return errors.New("invalid JSON body")
	}
	if h.schema != nil {
		if err := h.schema.Validate(doc); err != nil {
			var verr *jsonschema.ValidationError
			if errors.As(err, &verr) {
				return fmt.Errorf("invalid body: %s", schemaErrorMessage(verr))
			}
			return fmt.Errorf("invalid body: %w", err)
		}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func orderIDParam(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	parsed, err := uuid.Parse(orderID)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id must be a UUID", http.StatusBadRequest).With("param", "orderID"))
		return "", false
	}
	return parsed.String(), true
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	default:
		requestctx.Logger(ctx).Error("order request failed")
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func compileSchema(url, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("handlers: load schema %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("handlers: compile schema %s: %w", url, err)
	}
	return compiled, nil
}

// schemaErrorMessage reports the deepest failing cause, which names the offending field.
func schemaErrorMessage(verr *jsonschema.ValidationError) string {
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	location := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if location == "" {
		return leaf.Message
	}
	return fmt.Sprintf("%s: %s", location, leaf.Message)
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}
