package search

import "github.com/nkkko/remotesync/pkg/proto"

// Expectation bounds how many results a query should produce
type Expectation struct {
	// Expected is the number of results that makes a cached answer
	// complete; 0 when it cannot be known in advance
	Expected int

	// Minimum is the floor below which cached results are unusable
	Minimum int
}

// ExpectationFor derives the result bounds of a query. An explicit Expected
// wins; otherwise an id criterion expects one result per id. The floor is
// the explicit Minimum, or 1.
func ExpectationFor(q proto.Query) Expectation {
	e := Expectation{Expected: q.Expected, Minimum: q.Minimum}
	if e.Expected <= 0 {
		e.Expected = 0
		if ids, ok := q.Criteria.IDs(); ok {
			e.Expected = len(uniqueIDs(ids))
		}
	}
	if e.Minimum <= 0 {
		e.Minimum = 1
	}
	if e.Expected > 0 && e.Minimum > e.Expected {
		e.Minimum = e.Expected
	}
	return e
}

// Met reports whether count satisfies the expectation. With no known
// expectation any non-empty answer qualifies.
func (e Expectation) Met(count int) bool {
	if e.Expected > 0 {
		return count >= e.Expected
	}
	return count > 0
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ResolveBlocking returns the effective blocking policy of a query: the
// default is insufficient, and required queries wait at least for
// incomplete results
func ResolveBlocking(q proto.Query) proto.Blocking {
	b := q.Blocking
	switch b {
	case proto.BlockNever, proto.BlockInsufficient, proto.BlockIncomplete, proto.BlockExpired:
	default:
		b = proto.BlockInsufficient
	}
	if q.Required && (b == proto.BlockNever || b == proto.BlockInsufficient) {
		b = proto.BlockIncomplete
	}
	return b
}

// ShouldBlock reports whether a caller with the given policy must wait for
// the remote check
func ShouldBlock(f Freshness, b proto.Blocking) bool {
	switch b {
	case proto.BlockNever:
		return false
	case proto.BlockIncomplete:
		return f == Insufficient || f == Incomplete
	case proto.BlockExpired:
		return f != Complete
	default:
		return f == Insufficient
	}
}
