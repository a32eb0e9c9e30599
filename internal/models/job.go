package models

import (
	"time"
)

// Job statuses persisted in Postgres. queued and in_progress are transient,
// success and failed are terminal.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// Entitlement actions accepted from clients.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

// Principal types an entitlement can be applied to.
const (
	PrincipalUser = "User"
	PrincipalRole = "Role"
)

// Entitlement types: provider-managed vs customer-managed policies.
const (
	EntitlementDefault = "default"
	EntitlementCustom  = "custom"
)

// Job is the durable change-request row. The Postgres row is the source of
// truth for processing decisions; queue messages and cache entries are copies.
type Job struct {
	CorrelationID   string    `json:"correlation_id"`
	ClientRequestID string    `json:"client_request_id"`
	AccountID       string    `json:"account_id"`
	Principal       string    `json:"principal"`
	PrincipalType   string    `json:"principal_type"`
	Entitlement     string    `json:"entitlement"`
	EntitlementType string    `json:"entitlement_type"`
	Action          string    `json:"action"`
	CloudProvider   string    `json:"cloud_provider"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// AuditEntry is one append-only row per status transition.
type AuditEntry struct {
	CorrelationID string    `json:"correlation_id"`
	Status        string    `json:"status"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

// ExternalReference links a successful job to the provider-side request id,
// for cross-system audit correlation. At most one per job.
type ExternalReference struct {
	CloudProvider string `json:"cloud_provider"`
	CorrelationID string `json:"correlation_id"`
	ExternalRefID string `json:"external_ref_id"`
}

// QueueMessage is the serialized payload pushed to the work queue. It is a
// snapshot taken at enqueue time, replayed verbatim on retry.
type QueueMessage struct {
	CorrelationID   string    `json:"correlation_id"`
	ClientRequestID string    `json:"client_request_id"`
	AccountID       string    `json:"account_id"`
	Principal       string    `json:"principal"`
	PrincipalType   string    `json:"principal_type"`
	Entitlement     string    `json:"entitlement"`
	EntitlementType string    `json:"entitlement_type"`
	Action          string    `json:"action"`
	TargetCloud     string    `json:"target_cloud"`
	Status          string    `json:"status"`
	ReceivedAt      time.Time `json:"received_at"`
}

// StatusView is the subset of job fields exposed on the status query path
// and mirrored into the cache.
type StatusView struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

// ValidAction reports whether the action belongs to the closed set.
func ValidAction(action string) bool {
	return action == ActionAdd || action == ActionRemove
}

// ValidPrincipalType reports whether the principal type is supported.
func ValidPrincipalType(t string) bool {
	return t == PrincipalUser || t == PrincipalRole
}

// ValidEntitlementType reports whether the entitlement type is supported.
func ValidEntitlementType(t string) bool {
	return t == EntitlementDefault || t == EntitlementCustom
}
