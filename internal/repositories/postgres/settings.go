package postgres

import (
	"context"
	"database/sql"
	"errors"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

const findAffiliateSettingsQuery = `SELECT organization_id, points_per_referral, spending_step_eur, points_per_step
FROM affiliate_settings WHERE organization_id = $1`

// AffiliateSettingsRepository reads bonus programme configuration.
type AffiliateSettingsRepository struct {
	db *sql.DB
}

var _ repositories.AffiliateSettingsRepository = (*AffiliateSettingsRepository)(nil)

// NewAffiliateSettingsRepository constructs a settings repository over db.
func NewAffiliateSettingsRepository(db *sql.DB) *AffiliateSettingsRepository {
	return &AffiliateSettingsRepository{db: db}
}

// FindByOrganization returns zero-valued settings when the organization never configured bonuses.
func (r *AffiliateSettingsRepository) FindByOrganization(ctx context.Context, organizationID string) (domain.AffiliateSettings, error) {
	const op = "affiliate_settings.find"
	settings := domain.AffiliateSettings{OrganizationID: organizationID}
	err := conn(ctx, r.db).QueryRowContext(ctx, findAffiliateSettingsQuery, organizationID).Scan(
		&settings.OrganizationID, &settings.PointsPerReferral, &settings.SpendingStepEUR, &settings.PointsPerStep,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return settings, nil
		}
		return domain.AffiliateSettings{}, WrapError(op, err)
	}
	return settings, nil
}
