// Package source fetches records strictly newer than the ingestion cursor from
// a paginated external data source.
package source

import (
	"context"
	"iter"
	"slices"

	"github.com/earn12345678/data-engineering-project/internal/record"
)

// Source provides records newer than a cursor, in source order.
//
// The returned sequence is lazy: pages are requested as the caller pulls.
// A non-nil error is yielded at most once and ends the sequence; records
// yielded before it remain valid. Fetching has no durable side effects.
type Source interface {
	Fetch(ctx context.Context, cur record.Cursor) iter.Seq2[record.RawRecord, error]
}

// Static serves a fixed record set through the Source contract. It applies
// the same cursor filter and ordering as the HTTP fetcher.
type Static struct {
	Records []record.RawRecord

	// Err, when set, is yielded after FailAfter records.
	Err       error
	FailAfter int
}

func (s *Static) Fetch(ctx context.Context, cur record.Cursor) iter.Seq2[record.RawRecord, error] {
	return func(yield func(record.RawRecord, error) bool) {
		sorted := slices.Clone(s.Records)
		slices.SortStableFunc(sorted, func(a, b record.RawRecord) int {
			switch {
			case a.Position().After(b.Position()):
				return 1
			case b.Position().After(a.Position()):
				return -1
			}
			return 0
		})

		emitted := 0
		for _, r := range sorted {
			if s.Err != nil && emitted == s.FailAfter {
				yield(record.RawRecord{}, s.Err)
				return
			}
			if !r.Timestamp.IsZero() && !cur.Admits(r.Position()) {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(record.RawRecord{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
			emitted++
		}
		if s.Err != nil && emitted == s.FailAfter {
			yield(record.RawRecord{}, s.Err)
		}
	}
}
