package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

const findClientQuery = `SELECT id, organization_id, email, first_name, last_name,
	COALESCE(referred_by::text, ''), created_at
FROM clients WHERE id = $1`

// ClientRepository reads paying clients.
type ClientRepository struct {
	db *sql.DB
}

var _ repositories.ClientRepository = (*ClientRepository)(nil)

// NewClientRepository constructs a client repository over db.
func NewClientRepository(db *sql.DB) *ClientRepository {
	return &ClientRepository{db: db}
}

func (r *ClientRepository) FindByID(ctx context.Context, clientID string) (domain.Client, error) {
	const op = "clients.find"
	var (
		client  domain.Client
		created time.Time
	)
	err := conn(ctx, r.db).QueryRowContext(ctx, findClientQuery, clientID).Scan(
		&client.ID, &client.OrganizationID, &client.Email, &client.FirstName, &client.LastName,
		&client.ReferredBy, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Client{}, notFound(op, "client %q not found", clientID)
		}
		return domain.Client{}, WrapError(op, err)
	}
	client.CreatedAt = created.UTC()
	return client, nil
}
