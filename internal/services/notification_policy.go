package services

import (
	domain "github.com/commerce-dash/settlement/internal/domain"
)

// NotificationDecision is the outcome of the notification eligibility rules for one transition.
type NotificationDecision struct {
	Notify bool
	Type   string
	// MarkNotified flips notifiedPaidOrCompleted in the transition transaction.
	MarkNotified bool
	// MarkOpenNotified flips notifiedOpen in the same transaction.
	MarkOpenNotified bool
}

// DecideNotification applies the per-status notification rules to the locked order moving to next.
// The open notice goes out once per order, however often it re-enters open.
func DecideNotification(order domain.Order, next domain.OrderStatus) NotificationDecision {
	decision := NotificationDecision{Type: NotificationType(next)}
	switch next {
	case domain.OrderStatusOpen:
		decision.Notify = !order.NotifiedOpen
		decision.MarkOpenNotified = decision.Notify
	case domain.OrderStatusUnderpaid, domain.OrderStatusCancelled, domain.OrderStatusRefunded:
		decision.Notify = true
	case domain.OrderStatusPaid:
		decision.Notify = !order.NotifiedPaidOrCompleted
	case domain.OrderStatusCompleted:
		decision.Notify = !order.NotifiedPaidOrCompleted
		decision.MarkNotified = decision.Notify
	}
	return decision
}

// NotificationType names the template used for a status.
func NotificationType(status domain.OrderStatus) string {
	return "order_" + string(status)
}
