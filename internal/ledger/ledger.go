// Package ledger implements the job escrow state machine and reputation
// bookkeeping. Every mutating operation runs in a single transaction so a
// job's status, the escrow totals, the freelancer's profile counters, the
// completion history, and the event log always move together.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"repchain/internal/config"
	"repchain/internal/domain"
	"repchain/internal/events"
	"repchain/internal/repo"
	"repchain/internal/reputation"
)

type Ledger struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Ledger {
	return Ledger{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) ledgerID() string {
	if l.Config != nil {
		return l.Config.Ledger.ID
	}
	return ""
}

// --- profiles ---

// CreateProfileOptions are parameters for registering an identity.
type CreateProfileOptions struct {
	Identity    string
	DisplayName string
	Bio         string
	Skills      string
}

func (l Ledger) CreateProfile(ctx context.Context, opts CreateProfileOptions) (domain.Profile, error) {
	if strings.TrimSpace(opts.Identity) == "" {
		return domain.Profile{}, fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}
	if strings.TrimSpace(opts.DisplayName) == "" {
		return domain.Profile{}, fmt.Errorf("%w: display name is required", ErrInvalidInput)
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Profile{}, err
	}
	defer tx.Rollback()

	if _, err := l.Repo.GetProfile(ctx, tx, opts.Identity); err == nil {
		return domain.Profile{}, fmt.Errorf("%w: profile %s", ErrAlreadyExists, opts.Identity)
	} else if err != repo.ErrNotFound {
		return domain.Profile{}, err
	}

	p := domain.Profile{
		Identity:    opts.Identity,
		DisplayName: opts.DisplayName,
		Bio:         opts.Bio,
		Skills:      opts.Skills,
		IsActive:    true,
		CreatedAt:   l.now().UTC().Format(time.RFC3339),
	}
	if err := l.Repo.InsertProfile(ctx, tx, p); err != nil {
		return domain.Profile{}, fmt.Errorf("insert profile: %w", err)
	}
	if err := l.Events.Append(ctx, tx, "profile.registered", "profile", p.Identity, opts.Identity, events.EventPayload{
		"display_name": p.DisplayName,
	}); err != nil {
		return domain.Profile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Profile{}, err
	}
	return p, nil
}

func (l Ledger) GetProfile(ctx context.Context, identity string) (domain.Profile, error) {
	p, err := l.Repo.GetProfile(ctx, nil, identity)
	if err == repo.ErrNotFound {
		return domain.Profile{}, fmt.Errorf("%w: profile %s", ErrNotFound, identity)
	}
	return p, err
}

// requireProfile loads an active profile or fails with ErrProfileRequired.
func (l Ledger) requireProfile(ctx context.Context, tx *sql.Tx, identity string) (domain.Profile, error) {
	p, err := l.Repo.GetProfile(ctx, tx, identity)
	if err == repo.ErrNotFound {
		return domain.Profile{}, fmt.Errorf("%w: %s has no registered profile", ErrProfileRequired, identity)
	}
	if err != nil {
		return domain.Profile{}, err
	}
	if !p.IsActive {
		return domain.Profile{}, fmt.Errorf("%w: profile %s is inactive", ErrProfileRequired, identity)
	}
	return p, nil
}

// --- jobs ---

// PostJobOptions are parameters for posting a job. Deposit is the amount the
// client puts into escrow with the posting; it must cover PaymentAmount.
type PostJobOptions struct {
	Client        string
	Title         string
	Description   string
	PaymentAmount uint64
	Deposit       uint64
}

func (l Ledger) PostJob(ctx context.Context, opts PostJobOptions) (domain.Job, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Job{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if opts.PaymentAmount == 0 {
		return domain.Job{}, fmt.Errorf("%w: payment amount must be greater than zero", ErrInvalidInput)
	}
	if opts.Deposit < opts.PaymentAmount {
		return domain.Job{}, fmt.Errorf("%w: deposit %d below payment amount %d", ErrInsufficientFunds, opts.Deposit, opts.PaymentAmount)
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	if _, err := l.requireProfile(ctx, tx, opts.Client); err != nil {
		return domain.Job{}, err
	}

	// Only the payment amount is held; any deposit excess is returned to the
	// client immediately and never enters escrow.
	j := domain.Job{
		ClientIdentity: opts.Client,
		Title:          opts.Title,
		Description:    opts.Description,
		PaymentAmount:  opts.PaymentAmount,
		StakedAmount:   opts.PaymentAmount,
		Status:         domain.StatusPosted,
		CreatedAt:      l.now().UTC().Format(time.RFC3339),
	}
	id, err := l.Repo.InsertJob(ctx, tx, j)
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	j.ID = id
	if err := l.Events.Append(ctx, tx, "job.posted", "job", jobEntityID(id), opts.Client, events.EventPayload{
		"title":          j.Title,
		"payment_amount": j.PaymentAmount,
		"staked_amount":  j.StakedAmount,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func (l Ledger) AcceptJob(ctx context.Context, jobID int64, freelancer string) (domain.Job, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	if _, err := l.requireProfile(ctx, tx, freelancer); err != nil {
		return domain.Job{}, err
	}
	j, err := l.getJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if err := ensureJobTransition(j.Status, domain.StatusAccepted); err != nil {
		return domain.Job{}, err
	}
	if j.ClientIdentity == freelancer {
		return domain.Job{}, fmt.Errorf("%w: client cannot accept own job", ErrInvalidInput)
	}
	j.FreelancerIdentity = &freelancer
	j.Status = domain.StatusAccepted
	if err := l.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := l.Events.Append(ctx, tx, "job.accepted", "job", jobEntityID(jobID), freelancer, nil); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func (l Ledger) SubmitWork(ctx context.Context, jobID int64, freelancer string) (domain.Job, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := l.getJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.FreelancerIdentity == nil || *j.FreelancerIdentity != freelancer {
		return domain.Job{}, fmt.Errorf("%w: only the assigned freelancer can submit work", ErrUnauthorized)
	}
	if err := ensureJobTransition(j.Status, domain.StatusSubmitted); err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.StatusSubmitted
	if err := l.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := l.Events.Append(ctx, tx, "job.submitted", "job", jobEntityID(jobID), freelancer, nil); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// ApproveOptions are parameters for releasing escrow and rating the work.
type ApproveOptions struct {
	JobID      int64
	Client     string
	Rating     int
	ReviewText string
}

// ApproveAndPay moves a submitted job to completed, releases the escrowed
// payment to the freelancer's running totals, appends the completion to the
// append-only history, and recomputes the stored reputation score from that
// history so stored and derived values can never drift.
func (l Ledger) ApproveAndPay(ctx context.Context, opts ApproveOptions) (domain.Job, error) {
	if !reputation.ValidRating(opts.Rating) {
		return domain.Job{}, fmt.Errorf("%w: rating must be between %d and %d", ErrInvalidInput, reputation.MinRating, reputation.MaxRating)
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := l.getJobTx(ctx, tx, opts.JobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.ClientIdentity != opts.Client {
		return domain.Job{}, fmt.Errorf("%w: only the posting client can approve", ErrUnauthorized)
	}
	if err := ensureJobTransition(j.Status, domain.StatusCompleted); err != nil {
		return domain.Job{}, err
	}
	if j.FreelancerIdentity == nil {
		return domain.Job{}, fmt.Errorf("%w: job %d has no assigned freelancer", ErrInvalidState, opts.JobID)
	}
	if j.StakedAmount < j.PaymentAmount {
		return domain.Job{}, fmt.Errorf("%w: escrow %d below payment %d", ErrInsufficientFunds, j.StakedAmount, j.PaymentAmount)
	}
	freelancer := *j.FreelancerIdentity
	now := l.now().UTC().Format(time.RFC3339)

	j.Status = domain.StatusCompleted
	j.CompletedAt = &now
	j.Rating = &opts.Rating
	j.StakedAmount = 0
	if opts.ReviewText != "" {
		rt := opts.ReviewText
		j.ReviewText = &rt
	}
	if err := l.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}

	c := domain.Completion{
		JobID:              j.ID,
		FreelancerIdentity: freelancer,
		Rating:             opts.Rating,
		Amount:             j.PaymentAmount,
		CompletedAt:        now,
	}
	if _, err := l.Repo.InsertCompletion(ctx, tx, c); err != nil {
		return domain.Job{}, fmt.Errorf("insert completion: %w", err)
	}

	history, err := l.Repo.ListCompletions(ctx, tx, freelancer)
	if err != nil {
		return domain.Job{}, err
	}
	jobs, earned := reputation.Totals(history)
	score := reputation.Score(history)
	if err := l.Repo.UpdateProfileTotals(ctx, tx, freelancer, jobs, earned, score); err != nil {
		return domain.Job{}, fmt.Errorf("update profile totals: %w", err)
	}

	if err := l.Events.Append(ctx, tx, "job.completed", "job", jobEntityID(j.ID), opts.Client, events.EventPayload{
		"freelancer":       freelancer,
		"rating":           opts.Rating,
		"amount":           j.PaymentAmount,
		"reputation_score": score,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func (l Ledger) GetJob(ctx context.Context, jobID int64) (domain.Job, error) {
	j, err := l.Repo.GetJob(ctx, nil, jobID)
	if err == repo.ErrNotFound {
		return domain.Job{}, fmt.Errorf("%w: job %d", ErrNotFound, jobID)
	}
	return j, err
}

// ListAvailableJobs returns jobs still open for acceptance, oldest first.
func (l Ledger) ListAvailableJobs(ctx context.Context) ([]domain.Job, error) {
	return l.Repo.ListJobs(ctx, domain.StatusPosted)
}

func (l Ledger) ListJobs(ctx context.Context, status string) ([]domain.Job, error) {
	if status != "" && !validStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return l.Repo.ListJobs(ctx, status)
}

// ListJobsForIdentity returns every job the identity participates in, as
// client or freelancer, ascending by id.
func (l Ledger) ListJobsForIdentity(ctx context.Context, identity string) ([]domain.Job, error) {
	if _, err := l.GetProfile(ctx, identity); err != nil {
		return nil, err
	}
	return l.Repo.ListJobsForIdentity(ctx, identity)
}

// --- reputation ---

// ReputationExport builds the portable reputation proof for an identity. The
// verified flag is recomputed from history on every export.
func (l Ledger) ReputationExport(ctx context.Context, identity string) (domain.ReputationExport, error) {
	p, err := l.GetProfile(ctx, identity)
	if err != nil {
		return domain.ReputationExport{}, err
	}
	history, err := l.Repo.ListCompletions(ctx, nil, identity)
	if err != nil {
		return domain.ReputationExport{}, err
	}
	head, err := l.Repo.LatestEventID(ctx, nil)
	if err != nil {
		return domain.ReputationExport{}, err
	}
	return domain.ReputationExport{
		Identity:           p.Identity,
		DisplayName:        p.DisplayName,
		ReputationScore:    p.ReputationScore,
		TotalJobsCompleted: p.TotalJobsCompleted,
		TotalEarned:        p.TotalEarned,
		Verified:           reputation.Verify(p.ReputationScore, history),
		LedgerID:           l.ledgerID(),
		LedgerEventID:      head,
		ExportedAt:         l.now().UTC().Format(time.RFC3339),
	}, nil
}

// VerifyScore recomputes the score from completion history and compares it
// against the stored value.
func (l Ledger) VerifyScore(ctx context.Context, identity string) (stored uint64, recomputed uint64, err error) {
	p, err := l.GetProfile(ctx, identity)
	if err != nil {
		return 0, 0, err
	}
	history, err := l.Repo.ListCompletions(ctx, nil, identity)
	if err != nil {
		return 0, 0, err
	}
	return p.ReputationScore, reputation.Score(history), nil
}

// --- api keys ---

// MintAPIKey creates an API key bound to an identity and returns the raw
// key once. Only its hash is stored.
func (l Ledger) MintAPIKey(ctx context.Context, identity, name string) (domain.APIKey, string, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()

	if _, err := l.requireProfile(ctx, tx, identity); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := "rc_" + uuid.NewString()
	k := domain.APIKey{
		ID:        uuid.NewString(),
		Identity:  identity,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: l.now().UTC().Format(time.RFC3339),
	}
	if err := l.Repo.InsertAPIKey(ctx, tx, k); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	if err := l.Events.Append(ctx, tx, "apikey.created", "profile", identity, identity, events.EventPayload{"key_id": k.ID}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return k, raw, nil
}

// --- helpers ---

func (l Ledger) getJobTx(ctx context.Context, tx *sql.Tx, jobID int64) (domain.Job, error) {
	j, err := l.Repo.GetJob(ctx, tx, jobID)
	if err == repo.ErrNotFound {
		return domain.Job{}, fmt.Errorf("%w: job %d", ErrNotFound, jobID)
	}
	return j, err
}

func jobEntityID(id int64) string {
	return fmt.Sprintf("%d", id)
}

// ensureJobTransition enforces the job lifecycle. The reserved states
// in_progress, disputed, and cancelled have no reachable transition.
func ensureJobTransition(old, new string) error {
	switch new {
	case domain.StatusAccepted:
		if old != domain.StatusPosted {
			return fmt.Errorf("%w: job is %s, expected %s", ErrInvalidState, old, domain.StatusPosted)
		}
	case domain.StatusSubmitted:
		if old != domain.StatusAccepted && old != domain.StatusInProgress {
			return fmt.Errorf("%w: job is %s, expected %s", ErrInvalidState, old, domain.StatusAccepted)
		}
	case domain.StatusCompleted:
		if old != domain.StatusSubmitted {
			return fmt.Errorf("%w: job is %s, expected %s", ErrInvalidState, old, domain.StatusSubmitted)
		}
	default:
		return fmt.Errorf("%w: no transition to %s", ErrInvalidState, new)
	}
	return nil
}

func validStatus(s string) bool {
	switch s {
	case domain.StatusPosted, domain.StatusAccepted, domain.StatusInProgress,
		domain.StatusSubmitted, domain.StatusCompleted, domain.StatusDisputed, domain.StatusCancelled:
		return true
	}
	return false
}
