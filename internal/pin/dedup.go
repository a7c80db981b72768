package pin

import "time"

// Candidate is one stored row competing for a canonical id.
type Candidate struct {
	StoredID  string
	CreatedAt time.Time
}

// Prefer reports whether a beats b. The newest created_at wins; on equal
// timestamps the lexicographically smallest stored id wins, which puts an
// already-decoded numeric id ahead of any encoded one.
func Prefer(a, b Candidate) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.StoredID < b.StoredID
}

// Winner returns the index of the surviving candidate, or -1 for none.
func Winner(cands []Candidate) int {
	best := -1
	for i, c := range cands {
		if best < 0 || Prefer(c, cands[best]) {
			best = i
		}
	}
	return best
}
