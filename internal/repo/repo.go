package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"repchain/internal/domain"
)

// ErrNotFound is returned by Get* helpers when no row matches.
var ErrNotFound = errors.New("not found")

type Repo struct {
	DB *sql.DB
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns the transaction when one is supplied, otherwise the pooled db.
func (r *Repo) q(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func optionalString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func optionalInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- profiles ---

func (r *Repo) InsertProfile(ctx context.Context, tx *sql.Tx, p domain.Profile) error {
	_, err := r.q(tx).ExecContext(ctx,
		`INSERT INTO profiles(identity,display_name,bio,skills,total_jobs_completed,total_earned,reputation_score,is_active,created_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		p.Identity, p.DisplayName, nullable(p.Bio), nullable(p.Skills),
		p.TotalJobsCompleted, p.TotalEarned, p.ReputationScore, boolToInt(p.IsActive), p.CreatedAt)
	return err
}

func (r *Repo) GetProfile(ctx context.Context, tx *sql.Tx, identity string) (domain.Profile, error) {
	row := r.q(tx).QueryRowContext(ctx,
		`SELECT identity,display_name,bio,skills,total_jobs_completed,total_earned,reputation_score,is_active,created_at
		 FROM profiles WHERE identity=?`, identity)
	return scanProfile(row)
}

func (r *Repo) UpdateProfileTotals(ctx context.Context, tx *sql.Tx, identity string, jobsCompleted, totalEarned, score uint64) error {
	res, err := r.q(tx).ExecContext(ctx,
		`UPDATE profiles SET total_jobs_completed=?, total_earned=?, reputation_score=? WHERE identity=?`,
		jobsCompleted, totalEarned, score, identity)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT identity,display_name,bio,skills,total_jobs_completed,total_earned,reputation_score,is_active,created_at
		 FROM profiles ORDER BY created_at, identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (domain.Profile, error) {
	var p domain.Profile
	var bio, skills sql.NullString
	var active int
	err := row.Scan(&p.Identity, &p.DisplayName, &bio, &skills,
		&p.TotalJobsCompleted, &p.TotalEarned, &p.ReputationScore, &active, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Profile{}, ErrNotFound
	}
	if err != nil {
		return domain.Profile{}, err
	}
	p.Bio = bio.String
	p.Skills = skills.String
	p.IsActive = active != 0
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- jobs ---

func (r *Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx,
		`INSERT INTO jobs(client_identity,freelancer_identity,title,description,payment_amount,staked_amount,status,created_at,completed_at,rating,review_text)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		j.ClientIdentity, j.FreelancerIdentity, j.Title, nullable(j.Description),
		j.PaymentAmount, j.StakedAmount, j.Status, j.CreatedAt, j.CompletedAt, j.Rating, j.ReviewText)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *Repo) GetJob(ctx context.Context, tx *sql.Tx, id int64) (domain.Job, error) {
	row := r.q(tx).QueryRowContext(ctx, selectJob+` WHERE id=?`, id)
	return scanJob(row)
}

func (r *Repo) UpdateJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	res, err := r.q(tx).ExecContext(ctx,
		`UPDATE jobs SET freelancer_identity=?, status=?, staked_amount=?, completed_at=?, rating=?, review_text=? WHERE id=?`,
		j.FreelancerIdentity, j.Status, j.StakedAmount, j.CompletedAt, j.Rating, j.ReviewText, j.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectJob = `SELECT id,client_identity,freelancer_identity,title,description,payment_amount,staked_amount,status,created_at,completed_at,rating,review_text FROM jobs`

// ListJobs returns jobs filtered by status (all when empty), oldest first.
func (r *Repo) ListJobs(ctx context.Context, status string) ([]domain.Job, error) {
	query := selectJob
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY id`
	return r.queryJobs(ctx, query, args...)
}

// ListJobsForIdentity returns jobs where identity is client or freelancer,
// ascending by id with no duplicates.
func (r *Repo) ListJobsForIdentity(ctx context.Context, identity string) ([]domain.Job, error) {
	return r.queryJobs(ctx, selectJob+` WHERE client_identity=? OR freelancer_identity=? ORDER BY id`, identity, identity)
}

func (r *Repo) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var freelancer, description, completedAt, review sql.NullString
	var rating sql.NullInt64
	err := row.Scan(&j.ID, &j.ClientIdentity, &freelancer, &j.Title, &description,
		&j.PaymentAmount, &j.StakedAmount, &j.Status, &j.CreatedAt, &completedAt, &rating, &review)
	if err == sql.ErrNoRows {
		return domain.Job{}, ErrNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	j.FreelancerIdentity = optionalString(freelancer)
	j.Description = description.String
	j.CompletedAt = optionalString(completedAt)
	j.Rating = optionalInt(rating)
	j.ReviewText = optionalString(review)
	return j, nil
}

// --- completions ---

func (r *Repo) InsertCompletion(ctx context.Context, tx *sql.Tx, c domain.Completion) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx,
		`INSERT INTO completions(job_id,freelancer_identity,rating,amount,completed_at) VALUES (?,?,?,?,?)`,
		c.JobID, c.FreelancerIdentity, c.Rating, c.Amount, c.CompletedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *Repo) ListCompletions(ctx context.Context, tx *sql.Tx, freelancer string) ([]domain.Completion, error) {
	rows, err := r.q(tx).QueryContext(ctx,
		`SELECT seq,job_id,freelancer_identity,rating,amount,completed_at
		 FROM completions WHERE freelancer_identity=? ORDER BY seq`, freelancer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Completion
	for rows.Next() {
		var c domain.Completion
		if err := rows.Scan(&c.Seq, &c.JobID, &c.FreelancerIdentity, &c.Rating, &c.Amount, &c.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- events ---

// ListEvents returns up to limit events with id > afterID, oldest first.
func (r *Repo) ListEvents(ctx context.Context, afterID int64, limit int, types []string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id > ?`
	args := []any{afterID}
	if len(types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")
		query += fmt.Sprintf(` AND type IN (%s)`, placeholders)
		for _, t := range types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventID returns the event-log head, 0 for an empty log.
func (r *Repo) LatestEventID(ctx context.Context, tx *sql.Tx) (int64, error) {
	var id sql.NullInt64
	err := r.q(tx).QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}
