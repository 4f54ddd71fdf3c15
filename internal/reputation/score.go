// Package reputation holds the pure scoring arithmetic. All math is on
// unsigned integers so scores stay exact and never go negative.
package reputation

import "repchain/internal/domain"

// RatingWeight is the score contribution multiplier per rating point.
const RatingWeight = 20

// MinRating and MaxRating bound the accepted rating range, inclusive.
const (
	MinRating = 1
	MaxRating = 5
)

// ValidRating reports whether r is within the accepted range.
func ValidRating(r int) bool {
	return r >= MinRating && r <= MaxRating
}

// RatingPoints returns the score contribution of a single rating.
func RatingPoints(rating int) uint64 {
	return uint64(rating) * RatingWeight
}

// Score recomputes a reputation score from a completion history.
func Score(completions []domain.Completion) uint64 {
	var total uint64
	for _, c := range completions {
		total += RatingPoints(c.Rating)
	}
	return total
}

// Totals recomputes the completed-job count and earnings from history.
func Totals(completions []domain.Completion) (jobs uint64, earned uint64) {
	for _, c := range completions {
		jobs++
		earned += c.Amount
	}
	return jobs, earned
}

// Verify reports whether a stored score matches its recomputed value.
func Verify(stored uint64, completions []domain.Completion) bool {
	return stored == Score(completions)
}
