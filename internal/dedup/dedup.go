// Package dedup partitions a micro-batch into records that are new to the sink
// and records that are duplicates, either of a stored row or of an earlier
// record in the same batch.
package dedup

import (
	"context"

	"github.com/earn12345678/data-engineering-project/internal/record"
)

// Duplicate reasons.
const (
	ReasonInSink  = "in_sink"
	ReasonInBatch = "in_batch"
)

// KeyLookup reports which natural keys already exist in the sink. It is
// called once per batch with every distinct key.
type KeyLookup interface {
	ExistingKeys(ctx context.Context, keys []string) (map[string]struct{}, error)
}

// Duplicate is a record dropped from the batch.
type Duplicate struct {
	Record record.CanonicalRecord
	Reason string
}

// Partition is the outcome for one batch. New keeps arrival order.
type Partition struct {
	New        []record.CanonicalRecord
	Duplicates []Duplicate
}

// Count returns the number of duplicates dropped for reason.
func (p Partition) Count(reason string) int {
	n := 0
	for _, d := range p.Duplicates {
		if d.Reason == reason {
			n++
		}
	}
	return n
}

// Split partitions recs with a single bulk lookup. Within the batch the
// first record to arrive wins; later records with the same key are dropped.
func Split(ctx context.Context, lookup KeyLookup, recs []record.CanonicalRecord) (Partition, error) {
	if len(recs) == 0 {
		return Partition{}, nil
	}

	keys := make([]string, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		k := r.NaturalKey()
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	existing, err := lookup.ExistingKeys(ctx, keys)
	if err != nil {
		return Partition{}, err
	}

	var p Partition
	taken := make(map[string]struct{}, len(keys))
	for _, r := range recs {
		k := r.NaturalKey()
		if _, ok := existing[k]; ok {
			p.Duplicates = append(p.Duplicates, Duplicate{Record: r, Reason: ReasonInSink})
			continue
		}
		if _, ok := taken[k]; ok {
			p.Duplicates = append(p.Duplicates, Duplicate{Record: r, Reason: ReasonInBatch})
			continue
		}
		taken[k] = struct{}{}
		p.New = append(p.New, r)
	}
	return p, nil
}
