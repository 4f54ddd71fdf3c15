package server

import "repchain/internal/domain"

type CreateProfileRequest struct {
	DisplayName string `json:"display_name"`
	Bio         string `json:"bio,omitempty"`
	Skills      string `json:"skills,omitempty"`
}

type PostJobRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	PaymentAmount uint64 `json:"payment_amount"`
	Deposit       uint64 `json:"deposit"`
}

type ApproveJobRequest struct {
	Rating     int    `json:"rating" minimum:"1" maximum:"5"`
	ReviewText string `json:"review_text,omitempty"`
}

type MintAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Identity  string `json:"identity"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

type VerifyScoreResponse struct {
	Identity   string `json:"identity"`
	Stored     uint64 `json:"stored_score"`
	Recomputed uint64 `json:"recomputed_score"`
	Verified   bool   `json:"verified"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}
