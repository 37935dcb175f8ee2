package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PointAction tags every point ledger entry.
type PointAction string

const (
	PointActionPurchaseAffiliate    PointAction = "purchase_affiliate"
	PointActionRefundAffiliate      PointAction = "refund_affiliate"
	PointActionRedeemPoints         PointAction = "redeem_points"
	PointActionRefundRedeemedPoints PointAction = "refund_redeemed_points"
	PointActionReferralBonus        PointAction = "referral_bonus"
	PointActionSpendingBonus        PointAction = "spending_bonus"
)

// Valid reports whether the action is known.
func (a PointAction) Valid() bool {
	switch a {
	case PointActionPurchaseAffiliate, PointActionRefundAffiliate,
		PointActionRedeemPoints, PointActionRefundRedeemedPoints,
		PointActionReferralBonus, PointActionSpendingBonus:
		return true
	}
	return false
}

// AffectsSpend reports whether the action moves the lifetime spent counter.
// Bonus credits only touch the spendable balance.
func (a PointAction) AffectsSpend() bool {
	switch a {
	case PointActionPurchaseAffiliate, PointActionRefundAffiliate,
		PointActionRedeemPoints, PointActionRefundRedeemedPoints:
		return true
	}
	return false
}

// PointLog is an immutable ledger entry.
type PointLog struct {
	ID             string
	ClientID       string
	OrganizationID string
	OrderID        string
	Points         int64
	Action         PointAction
	Description    string
	SourceClientID string
	CreatedAt      time.Time
}

// PointBalance is the derived aggregate of a client's point ledger.
type PointBalance struct {
	ClientID       string
	OrganizationID string
	PointsCurrent  int64
	PointsSpent    int64
	UpdatedAt      time.Time
}

// AffiliateSettings configures bonus programmes for an organization.
type AffiliateSettings struct {
	OrganizationID    string
	PointsPerReferral int64
	SpendingStepEUR   decimal.Decimal
	PointsPerStep     int64
}

// ReferralEnabled reports whether referrers earn points.
func (s AffiliateSettings) ReferralEnabled() bool {
	return s.PointsPerReferral > 0
}

// SpendingEnabled reports whether spending milestones award points.
func (s AffiliateSettings) SpendingEnabled() bool {
	return s.PointsPerStep > 0 && s.SpendingStepEUR.IsPositive()
}
