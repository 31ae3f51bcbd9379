package index

import (
	"context"
	"time"
)

// InconsistencyType categorizes a mismatch between stored documents and
// the term index that answers queries over them.
type InconsistencyType int

const (
	// InconsistencyOrphanText is a term index entry whose document row is gone.
	InconsistencyOrphanText InconsistencyType = iota
	// InconsistencyMissingText is a document with indexed terms that the
	// term index does not hold.
	InconsistencyMissingText
)

// String returns the log name of the inconsistency type.
func (t InconsistencyType) String() string {
	switch t {
	case InconsistencyOrphanText:
		return "orphan_text"
	case InconsistencyMissingText:
		return "missing_text"
	default:
		return "unknown"
	}
}

// Inconsistency is one detected mismatch, keyed by backend row id.
type Inconsistency struct {
	Type    InconsistencyType
	RowID   int64
	Details string
}

// CheckResult contains the outcome of a consistency check.
type CheckResult struct {
	// Checked is the number of document rows verified.
	Checked int
	// Indexed is the number of entries the term index holds.
	Indexed int
	// Inconsistencies lists orphans first, then missing entries, each
	// ordered by row id.
	Inconsistencies []Inconsistency
	// Duration is how long the check took.
	Duration time.Duration
}

// Consistent reports whether no inconsistency was found.
func (r *CheckResult) Consistent() bool {
	return len(r.Inconsistencies) == 0
}

// Count returns how many inconsistencies have type t.
func (r *CheckResult) Count(t InconsistencyType) int {
	n := 0
	for _, i := range r.Inconsistencies {
		if i.Type == t {
			n++
		}
	}
	return n
}

// ConsistencyChecker is implemented by backends whose term index is kept
// apart from the document rows and can therefore drift from them, for
// example after a crash between the two writes.
type ConsistencyChecker interface {
	// CheckConsistency compares every document row against the term index.
	CheckConsistency(ctx context.Context) (*CheckResult, error)
	// RepairConsistency drops orphan entries and reindexes missing ones.
	RepairConsistency(ctx context.Context, issues []Inconsistency) error
}
