package repchainsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Repchain HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Profile represents the API profile model.
type Profile struct {
	Identity           string `json:"identity"`
	DisplayName        string `json:"display_name"`
	Bio                string `json:"bio,omitempty"`
	Skills             string `json:"skills,omitempty"`
	TotalJobsCompleted uint64 `json:"total_jobs_completed"`
	TotalEarned        uint64 `json:"total_earned"`
	ReputationScore    uint64 `json:"reputation_score"`
	IsActive           bool   `json:"is_active"`
	CreatedAt          string `json:"created_at"`
}

// Job represents the API job model.
type Job struct {
	ID                 int64   `json:"id"`
	ClientIdentity     string  `json:"client_identity"`
	FreelancerIdentity *string `json:"freelancer_identity,omitempty"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	PaymentAmount      uint64  `json:"payment_amount"`
	StakedAmount       uint64  `json:"staked_amount"`
	Status             string  `json:"status"`
	CreatedAt          string  `json:"created_at"`
	CompletedAt        *string `json:"completed_at,omitempty"`
	Rating             *int    `json:"rating,omitempty"`
	ReviewText         *string `json:"review_text,omitempty"`
}

// ReputationExport is a portable reputation proof.
type ReputationExport struct {
	Identity           string `json:"identity"`
	DisplayName        string `json:"display_name"`
	ReputationScore    uint64 `json:"reputation_score"`
	TotalJobsCompleted uint64 `json:"total_jobs_completed"`
	TotalEarned        uint64 `json:"total_earned"`
	Verified           bool   `json:"verified"`
	LedgerID           string `json:"ledger_id"`
	LedgerEventID      int64  `json:"ledger_event_id"`
	ExportedAt         string `json:"exported_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps event list responses with the cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProfile registers the caller's profile.
func (c *Client) CreateProfile(ctx context.Context, displayName, bio, skills string) (Profile, error) {
	body := map[string]any{
		"display_name": displayName,
		"bio":          bio,
		"skills":       skills,
	}
	var resp Profile
	err := c.do(ctx, http.MethodPost, "v0/profiles", body, &resp)
	return resp, err
}

// GetProfile fetches a profile by identity.
func (c *Client) GetProfile(ctx context.Context, identity string) (Profile, error) {
	var resp Profile
	err := c.do(ctx, http.MethodGet, "v0/profiles/"+url.PathEscape(identity), nil, &resp)
	return resp, err
}

// PostJob posts a job with an escrow deposit.
func (c *Client) PostJob(ctx context.Context, title, description string, payment, deposit uint64) (Job, error) {
	body := map[string]any{
		"title":          title,
		"description":    description,
		"payment_amount": payment,
		"deposit":        deposit,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "v0/jobs", body, &resp)
	return resp, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id int64) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/jobs/%d", id), nil, &resp)
	return resp, err
}

// ListAvailableJobs returns jobs open for acceptance.
func (c *Client) ListAvailableJobs(ctx context.Context) ([]Job, error) {
	var resp []Job
	err := c.do(ctx, http.MethodGet, "v0/jobs?available=true", nil, &resp)
	return resp, err
}

// AcceptJob accepts a posted job as the caller.
func (c *Client) AcceptJob(ctx context.Context, id int64) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/jobs/%d/accept", id), nil, &resp)
	return resp, err
}

// SubmitWork submits completed work as the assigned freelancer.
func (c *Client) SubmitWork(ctx context.Context, id int64) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/jobs/%d/submit", id), nil, &resp)
	return resp, err
}

// ApproveJob approves submitted work, releasing escrow with a rating.
func (c *Client) ApproveJob(ctx context.Context, id int64, rating int, reviewText string) (Job, error) {
	body := map[string]any{
		"rating":      rating,
		"review_text": reviewText,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/jobs/%d/approve", id), body, &resp)
	return resp, err
}

// JobsForIdentity returns every job the identity participates in.
func (c *Client) JobsForIdentity(ctx context.Context, identity string) ([]Job, error) {
	var resp []Job
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/identities/%s/jobs", url.PathEscape(identity)), nil, &resp)
	return resp, err
}

// Reputation exports a reputation proof for an identity.
func (c *Client) Reputation(ctx context.Context, identity string) (ReputationExport, error) {
	var resp ReputationExport
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/identities/%s/reputation", url.PathEscape(identity)), nil, &resp)
	return resp, err
}

// Events returns events after the given cursor.
func (c *Client) Events(ctx context.Context, after int64, limit int) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if after > 0 {
		endpoint = fmt.Sprintf("%s?after=%d", endpoint, after)
	}
	if limit > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%slimit=%d", endpoint, sep, limit)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
