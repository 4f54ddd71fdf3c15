package domain

// Job lifecycle statuses. Only posted, accepted, submitted, and completed are
// reachable through the public contract; in_progress, disputed, and cancelled
// are reserved and carry no mutating operation.
const (
	StatusPosted     = "posted"
	StatusAccepted   = "accepted"
	StatusInProgress = "in_progress"
	StatusSubmitted  = "submitted"
	StatusCompleted  = "completed"
	StatusDisputed   = "disputed"
	StatusCancelled  = "cancelled"
)

type Profile struct {
	Identity           string `json:"identity"`
	DisplayName        string `json:"display_name"`
	Bio                string `json:"bio,omitempty"`
	Skills             string `json:"skills,omitempty"`
	TotalJobsCompleted uint64 `json:"total_jobs_completed"`
	TotalEarned        uint64 `json:"total_earned"`
	ReputationScore    uint64 `json:"reputation_score"`
	IsActive           bool   `json:"is_active"`
	CreatedAt          string `json:"created_at" format:"date-time"`
}

type Job struct {
	ID                 int64   `json:"id"`
	ClientIdentity     string  `json:"client_identity"`
	FreelancerIdentity *string `json:"freelancer_identity,omitempty"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	PaymentAmount      uint64  `json:"payment_amount"`
	StakedAmount       uint64  `json:"staked_amount"`
	Status             string  `json:"status" enum:"posted,accepted,in_progress,submitted,completed,disputed,cancelled"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	CompletedAt        *string `json:"completed_at,omitempty" format:"date-time"`
	Rating             *int    `json:"rating,omitempty"`
	ReviewText         *string `json:"review_text,omitempty"`
}

// Completion is one append-only history row per completed job. The ordered
// sequence per freelancer is the input to score recomputation.
type Completion struct {
	Seq                int64  `json:"seq"`
	JobID              int64  `json:"job_id"`
	FreelancerIdentity string `json:"freelancer_identity"`
	Rating             int    `json:"rating"`
	Amount             uint64 `json:"amount"`
	CompletedAt        string `json:"completed_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Identity  string `json:"identity"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ReputationExport is the portable reputation proof handed to presentation
// layers. LedgerEventID references the event-log head so the score can be
// independently re-verified against the full completion history.
type ReputationExport struct {
	Identity           string `json:"identity"`
	DisplayName        string `json:"display_name"`
	ReputationScore    uint64 `json:"reputation_score"`
	TotalJobsCompleted uint64 `json:"total_jobs_completed"`
	TotalEarned        uint64 `json:"total_earned"`
	Verified           bool   `json:"verified"`
	LedgerID           string `json:"ledger_id"`
	LedgerEventID      int64  `json:"ledger_event_id"`
	ExportedAt         string `json:"exported_at" format:"date-time"`
}
