package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
	"github.com/commerce-dash/settlement/internal/services"
)

// ComposerDeps bundles collaborators required to construct the composer.
type ComposerDeps struct {
	Templates Templates
	Clients   repositories.ClientRepository
	Renderer  *Renderer
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// Composer renders outbox notification payloads from the configured templates.
type Composer struct {
	templates Templates
	clients   repositories.ClientRepository
	renderer  *Renderer
	logger    func(context.Context, string, map[string]any)
}

var _ services.NotificationComposer = (*Composer)(nil)

// NewComposer validates dependencies and returns a composer.
func NewComposer(deps ComposerDeps) (*Composer, error) {
	if len(deps.Templates) == 0 {
		return nil, errors.New("notifications: templates are required")
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = NewRenderer()
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Composer{
		templates: deps.Templates,
		clients:   deps.Clients,
		renderer:  renderer,
		logger:    logger,
	}, nil
}

// Compose fills the template for payload.Type. Unknown types are not retryable.
func (c *Composer) Compose(ctx context.Context, job domain.SettlementJob, payload domain.NotificationPayload) (domain.Notification, error) {
	kind := strings.TrimSpace(payload.Type)
	tpl, ok := c.templates[kind]
	if !ok {
		return domain.Notification{}, fmt.Errorf("%w: no notification template %q", services.ErrSettlementJobUnsupported, kind)
	}

	vars := make(map[string]string, len(payload.Variables)+4)
	for k, v := range payload.Variables {
		vars[k] = v
	}
	if vars["orderId"] == "" {
		vars["orderId"] = job.OrderID
	}
	if vars["total"] != "" && vars["currency"] != "" {
		vars["totalFormatted"] = FormatMoney(vars["total"], vars["currency"])
	} else {
		vars["totalFormatted"] = vars["total"]
	}

	if c.clients != nil && job.ClientID != "" {
		client, err := c.clients.FindByID(ctx, job.ClientID)
		switch {
		case err == nil:
			vars["clientName"] = client.DisplayName()
			vars["clientEmail"] = strings.TrimSpace(client.Email)
		case isNotFound(err):
			c.logger(ctx, "notifications.client.missing", map[string]any{"jobId": job.ID, "clientId": job.ClientID})
		default:
			return domain.Notification{}, fmt.Errorf("notifications: load client: %w", err)
		}
	}
	if vars["clientName"] == "" {
		vars["clientName"] = "there"
	}

	message := Substitute(tpl.Message, vars)
	html, err := c.renderer.HTML(message)
	if err != nil {
		return domain.Notification{}, err
	}

	return domain.Notification{
		OrganizationID: job.OrganizationID,
		Type:           kind,
		Subject:        Substitute(tpl.Subject, vars),
		Message:        message,
		HTML:           html,
		Country:        payload.Country,
		Trigger:        string(payload.Trigger),
		Channels:       append([]domain.NotificationChannel(nil), tpl.Channels...),
		ClientID:       job.ClientID,
		Variables:      vars,
	}, nil
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
