package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"repchain/internal/config"
	"repchain/internal/db"
	"repchain/internal/domain"
	"repchain/internal/ledger"
	"repchain/internal/migrate"
	"repchain/internal/reputation"
)

type testEnv struct {
	Ledger ledger.Ledger
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l := ledger.New(conn, config.Default("ledger-1"))
	l.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Ledger: l, Ctx: context.Background()}
}

func (env testEnv) register(t *testing.T, identity, name string) {
	t.Helper()
	_, err := env.Ledger.CreateProfile(env.Ctx, ledger.CreateProfileOptions{Identity: identity, DisplayName: name})
	if err != nil {
		t.Fatalf("register %s: %v", identity, err)
	}
}

func (env testEnv) postJob(t *testing.T, client string, payment, deposit uint64) domain.Job {
	t.Helper()
	j, err := env.Ledger.PostJob(env.Ctx, ledger.PostJobOptions{
		Client:        client,
		Title:         "Build API client",
		PaymentAmount: payment,
		Deposit:       deposit,
	})
	if err != nil {
		t.Fatalf("post job: %v", err)
	}
	return j
}

func TestJobLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "Alice")
	env.register(t, "bob", "Bob")

	j := env.postJob(t, "alice", 1000, 1000)
	if j.Status != domain.StatusPosted {
		t.Fatalf("expected posted, got %s", j.Status)
	}
	if j.StakedAmount != 1000 {
		t.Fatalf("expected 1000 staked, got %d", j.StakedAmount)
	}

	j, err := env.Ledger.AcceptJob(env.Ctx, j.ID, "bob")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if j.Status != domain.StatusAccepted || j.FreelancerIdentity == nil || *j.FreelancerIdentity != "bob" {
		t.Fatalf("unexpected job after accept: %+v", j)
	}

	j, err = env.Ledger.SubmitWork(env.Ctx, j.ID, "bob")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if j.Status != domain.StatusSubmitted {
		t.Fatalf("expected submitted, got %s", j.Status)
	}

	j, err = env.Ledger.ApproveAndPay(env.Ctx, ledger.ApproveOptions{JobID: j.ID, Client: "alice", Rating: 5, ReviewText: "great"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if j.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", j.Status)
	}
	if j.StakedAmount != 0 {
		t.Fatalf("expected escrow drained, got %d", j.StakedAmount)
	}
	if j.CompletedAt == nil || j.Rating == nil || *j.Rating != 5 {
		t.Fatalf("completion fields missing: %+v", j)
	}

	p, err := env.Ledger.GetProfile(env.Ctx, "bob")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.TotalJobsCompleted != 1 {
		t.Fatalf("expected 1 completed job, got %d", p.TotalJobsCompleted)
	}
	if p.TotalEarned != 1000 {
		t.Fatalf("expected 1000 earned, got %d", p.TotalEarned)
	}
	if p.ReputationScore != 5*reputation.RatingWeight {
		t.Fatalf("expected score %d, got %d", 5*reputation.RatingWeight, p.ReputationScore)
	}
}

func TestPostJobRequiresProfile(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Ledger.PostJob(env.Ctx, ledger.PostJobOptions{Client: "ghost", Title: "x", PaymentAmount: 10, Deposit: 10})
	if !errors.Is(err, ledger.ErrProfileRequired) {
		t.Fatalf("expected ErrProfileRequired, got %v", err)
	}
}

func TestAcceptJobRequiresProfile(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "Alice")
	j := env.postJob(t, "alice", 100, 100)

	_, err := env.Ledger.AcceptJob(env.Ctx, j.ID, "ghost")
	if !errors.Is(err, ledger.ErrProfileRequired) {
		t.Fatalf("expected ErrProfileRequired, got %v", err)
	}
	// failed accept leaves the job untouched
	j2, err := env.Ledger.GetJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if j2.Status != domain.StatusPosted {
		t.Fatalf("expected posted, got %s", j2.Status)
	}
	if j2.FreelancerIdentity != nil {
		t.Fatalf("freelancer assigned to %s", *j2.FreelancerIdentity)
	}
}

func TestPostJobDepositMustCoverPayment(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "Alice")
	_, err := env.Ledger.PostJob(env.Ctx, ledger.PostJobOptions{Client: "alice", Title: "x", PaymentAmount: 100, Deposit: 99})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestPostJobValidation(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "Alice")
	if _, err := env.Ledger.PostJob(env.Ctx, ledger.PostJobOptions{Client: "alice", Title: "", PaymentAmount: 10, Deposit: 10}); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty title, got %v", err)
	}
	if _, err := env.Ledger.PostJob(env.Ctx, ledger.PostJobOptions{Client: "alice", Title: "x", PaymentAmount: 0, Deposit: 0}); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero payment, got %v", err)
	}
}

func TestDuplicateProfileRejected(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "Alice")
	_, err := env.Ledger.CreateProfile(env.Ctx, ledger.CreateProfileOptions{Identity: "alice", DisplayName: "Alice II"})
	if !errors.Is(err, ledger.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestAcceptTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "Alice")
	env.register(t, "bob", "Bob")
	env.register(t, "carol", "Carol")
	j := env.postJob(t, "alice", 100, 100)

	// client cannot take own job
	if _, err := env.Ledger.AcceptJob(env.Ctx, j.ID, "alice"); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := env.Ledger.AcceptJob(env.Ctx, j.ID, "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// second accept must fail on state, not silently reassign
	if _, err := env.Ledger.AcceptJob(env.Ctx, j.ID, "carol"); !errors.Is(err, ledger.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	j2, err := env.Ledger.GetJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *j2.FreelancerIdentity != "bob" {
		t.Fatalf("freelancer reassigned to %s", *j2.FreelancerIdentity)
	}
}

func TestSubmitAuthorization(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "Alice")
	env.register(t, "bob", "Bob")
	env.register(t, "mallory", "Mallory")
	j := env.postJob(t, "alice", 100, 100)

	// submitting before acceptance is unauthorized: no freelancer assigned
	if _, err := env.Ledger.SubmitWork(env.Ctx, j.ID, "bob"); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.Ledger.AcceptJob(env.Ctx, j.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Ledger.SubmitWork(env.Ctx, j.ID, "mallory"); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-assignee, got %v", err)
	}
	if _, err := env.Ledger.SubmitWork(env.Ctx, j.ID, "bob"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// double submit fails on state
	if _, err := env.Ledger.SubmitWork(env.Ctx, j.ID, "bob"); !errors.Is(err, ledger.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestApproveGuards(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "Alice")
	env.register(t, "bob", "Bob")
	j := env.postJob(t, "alice", 100, 100)
	if _, err := env.Ledger.AcceptJob(env.Ctx, j.ID, "bob"); err != nil {
		t.Fatal(err)
	}

	// approving before submission fails on state
	if _, err := env.Ledger.ApproveAndPay(env.Ctx, ledger.ApproveOptions{JobID: j.ID, Client: "alice", Rating: 4}); !errors.Is(err, ledger.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := env.Ledger.SubmitWork(env.Ctx, j.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	// only the posting client may approve
	if _, err := env.Ledger.ApproveAndPay(env.Ctx, ledger.ApproveOptions{JobID: j.ID, Client: "bob", Rating: 4}); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	// ratings outside 1..5 rejected
	for _, r := range []int{0, 6, -1} {
		if _, err := env.Ledger.ApproveAndPay(env.Ctx, ledger.ApproveOptions{JobID: j.ID, Client: "alice", Rating: r}); !errors.Is(err, ledger.ErrInvalidInput) {
			t.Fatalf("rating %d: expected ErrInvalidInput, got %v", r, err)
		}
	}
	if _, err := env.Ledger.ApproveAndPay(env.Ctx, ledger.ApproveOptions{JobID: j.ID, Client: "alice", Rating: 4}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// double approve fails on state, pay once only
	if _, err := env.Ledger.ApproveAndPay(env.Ctx, ledger.ApproveOptions{JobID: j.ID, Client: "alice", Rating: 4}); !errors.Is(err, ledger.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double approve, got %v", err)
	}
	p, err := env.Ledger.GetProfile(env.Ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if p.TotalEarned != 100 || p.TotalJobsCompleted != 1 {
		t.Fatalf("double payment detected: %+v", p)
	}
}

func TestScoreAccumulatesAcrossJobs(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "Alice")
	env.register(t, "bob", "Bob")

	ratings := []int{5, 3, 1}
	for _, r := range ratings {
		j := env.postJob(t, "alice", 200, 200)
		if _, err := env.Ledger.AcceptJob(env.Ctx, j.ID, "bob"); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Ledger.SubmitWork(env.Ctx, j.ID, "bob"); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Ledger.ApproveAndPay(env.Ctx, ledger.ApproveOptions{JobID: j.ID, Client: "alice", Rating: r}); err != nil {
			t.Fatal(err)
		}
	}
	stored, recomputed, err := env.Ledger.VerifyScore(env.Ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	want := uint64((5 + 3 + 1) * reputation.RatingWeight)
	if stored != want || recomputed != want {
		t.Fatalf("expected %d/%d, got %d/%d", want, want, stored, recomputed)
	}
	p, _ := env.Ledger.GetProfile(env.Ctx, "bob")
	if p.TotalEarned != 600 || p.TotalJobsCompleted != 3 {
		t.Fatalf("unexpected totals: %+v", p)
	}
}

func TestListJobsForIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "Alice")
	env.register(t, "bob", "Bob")

	j1 := env.postJob(t, "alice", 100, 100)
	j2 := env.postJob(t, "bob", 100, 100)
	if _, err := env.Ledger.AcceptJob(env.Ctx, j2.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	jobs, err := env.Ledger.ListJobsForIdentity(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != j1.ID || jobs[1].ID != j2.ID {
		t.Fatalf("expected ascending ids %d,%d, got %d,%d", j1.ID, j2.ID, jobs[0].ID, jobs[1].ID)
	}

	if _, err := env.Ledger.ListJobsForIdentity(env.Ctx, "ghost"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListAvailableJobs(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "Alice")
	env.register(t, "bob", "Bob")
	j1 := env.postJob(t, "alice", 100, 100)
	env.postJob(t, "alice", 100, 100)
	if _, err := env.Ledger.AcceptJob(env.Ctx, j1.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	jobs, err := env.Ledger.ListAvailableJobs(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 open job, got %d", len(jobs))
	}
	if jobs[0].Status != domain.StatusPosted {
		t.Fatalf("expected posted, got %s", jobs[0].Status)
	}
}

func TestReputationExport(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "Alice")
	env.register(t, "bob", "Bob")
	j := env.postJob(t, "alice", 500, 500)
	if _, err := env.Ledger.AcceptJob(env.Ctx, j.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Ledger.SubmitWork(env.Ctx, j.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Ledger.ApproveAndPay(env.Ctx, ledger.ApproveOptions{JobID: j.ID, Client: "alice", Rating: 5}); err != nil {
		t.Fatal(err)
	}
	exp, err := env.Ledger.ReputationExport(env.Ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !exp.Verified {
		t.Fatal("expected export to verify")
	}
	if exp.ReputationScore != 5*reputation.RatingWeight {
		t.Fatalf("unexpected score %d", exp.ReputationScore)
	}
	if exp.LedgerID != "ledger-1" {
		t.Fatalf("unexpected ledger id %s", exp.LedgerID)
	}
	if exp.LedgerEventID == 0 {
		t.Fatal("expected event-log head reference")
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "Alice")
	env.register(t, "bob", "Bob")
	j := env.postJob(t, "alice", 100, 100)
	if _, err := env.Ledger.AcceptJob(env.Ctx, j.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Ledger.SubmitWork(env.Ctx, j.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Ledger.ApproveAndPay(env.Ctx, ledger.ApproveOptions{JobID: j.ID, Client: "alice", Rating: 5}); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Ledger.Repo.ListEvents(env.Ctx, 0, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	want := []string{"profile.registered", "profile.registered", "job.posted", "job.accepted", "job.submitted", "job.completed"}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestMintAPIKey(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "Alice")
	k, raw, err := env.Ledger.MintAPIKey(env.Ctx, "alice", "ci")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if raw == "" || k.KeyHash == raw {
		t.Fatal("raw key must be returned unhashed once")
	}
	got, err := env.Ledger.Repo.GetAPIKeyByHash(env.Ctx, k.KeyHash)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Identity != "alice" {
		t.Fatalf("unexpected identity %s", got.Identity)
	}

	if _, _, err := env.Ledger.MintAPIKey(env.Ctx, "ghost", "x"); !errors.Is(err, ledger.ErrProfileRequired) {
		t.Fatalf("expected ErrProfileRequired, got %v", err)
	}
}
