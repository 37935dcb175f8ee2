package domain

import (
	"encoding/json"
	"time"
)

// SettlementJobKind names the post-commit effect an outbox row carries.
type SettlementJobKind string

const (
	SettlementJobRevenueSnapshot SettlementJobKind = "revenue_snapshot"
	SettlementJobBonusEvaluation SettlementJobKind = "bonus_evaluation"
	SettlementJobNotification    SettlementJobKind = "notification"
)

// SettlementJobStatus tracks an outbox row through processing.
type SettlementJobStatus string

const (
	SettlementJobPending SettlementJobStatus = "pending"
	SettlementJobRunning SettlementJobStatus = "running"
	SettlementJobDone    SettlementJobStatus = "done"
	SettlementJobFailed  SettlementJobStatus = "failed"
)

// SettlementJob is an outbox row written in the same transaction as the status change.
type SettlementJob struct {
	ID             string
	Kind           SettlementJobKind
	OrderID        string
	OrganizationID string
	ClientID       string
	Payload        json.RawMessage
	Status         SettlementJobStatus
	Attempts       int
	LastError      string
	NextAttemptAt  time.Time
	LeasedUntil    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// SettlementBacklog summarises outbox rows that need attention.
type SettlementBacklog struct {
	Due       int
	Failed    int
	OldestDue *time.Time
}

// NotificationChannel is a delivery channel understood by the dispatcher.
type NotificationChannel string

const (
	NotificationChannelEmail    NotificationChannel = "email"
	NotificationChannelInApp    NotificationChannel = "in_app"
	NotificationChannelTelegram NotificationChannel = "telegram"
	NotificationChannelWebhook  NotificationChannel = "webhook"
)

// Valid reports whether the channel is known.
func (c NotificationChannel) Valid() bool {
	switch c {
	case NotificationChannelEmail, NotificationChannelInApp, NotificationChannelTelegram, NotificationChannelWebhook:
		return true
	}
	return false
}

// NotificationPayload is stored on notification outbox rows.
type NotificationPayload struct {
	Type           string            `json:"type"`
	Trigger        OrderStatus       `json:"trigger"`
	PreviousStatus OrderStatus       `json:"previousStatus"`
	Country        string            `json:"country"`
	Variables      map[string]string `json:"variables"`
}

// Notification is the message handed to the dispatcher.
type Notification struct {
	OrganizationID string
	Type           string
	Subject        string
	Message        string
	HTML           string
	Country        string
	Trigger        string
	Channels       []NotificationChannel
	ClientID       string
	Variables      map[string]string
	IdempotencyKey string
}
