package reputation

import (
	"testing"

	"repchain/internal/domain"
)

func TestScoreEmptyHistory(t *testing.T) {
	if got := Score(nil); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestScoreAccumulates(t *testing.T) {
	history := []domain.Completion{
		{Rating: 5, Amount: 100},
		{Rating: 3, Amount: 50},
		{Rating: 1, Amount: 10},
	}
	want := uint64(5*RatingWeight + 3*RatingWeight + 1*RatingWeight)
	if got := Score(history); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestTotals(t *testing.T) {
	history := []domain.Completion{
		{Rating: 5, Amount: 100},
		{Rating: 4, Amount: 250},
	}
	jobs, earned := Totals(history)
	if jobs != 2 {
		t.Fatalf("expected 2 jobs, got %d", jobs)
	}
	if earned != 350 {
		t.Fatalf("expected 350 earned, got %d", earned)
	}
}

func TestVerify(t *testing.T) {
	history := []domain.Completion{{Rating: 5}, {Rating: 2}}
	if !Verify(7*RatingWeight, history) {
		t.Fatal("expected stored score to verify")
	}
	if Verify(7*RatingWeight+1, history) {
		t.Fatal("expected tampered score to fail verification")
	}
}

func TestValidRating(t *testing.T) {
	for _, r := range []int{1, 2, 3, 4, 5} {
		if !ValidRating(r) {
			t.Fatalf("rating %d should be valid", r)
		}
	}
	for _, r := range []int{0, -1, 6, 100} {
		if ValidRating(r) {
			t.Fatalf("rating %d should be invalid", r)
		}
	}
}
