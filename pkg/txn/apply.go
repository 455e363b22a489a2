package txn

import "context"

// Apply represents the materialization work produced by a successful
// CommitAt: for each data shard the txn wrote to, compare_and_append the
// staged batch onto it, then record an Applied marker in the txns shard.
// Applies are idempotent and may be run by any participant any number
// of times.
type Apply struct {
	h      *TxnsHandle
	writes []applyWrite
}

// Run materializes every write this Apply represents and records their
// Applied markers immediately.
func (a *Apply) Run(ctx context.Context) error {
	if len(a.writes) == 0 {
		return nil
	}
	for _, w := range a.writes {
		if err := a.h.applyDataShard(ctx, w); err != nil {
			return err
		}
	}
	return a.h.recordApplied(ctx, a.writes)
}

// Tidy materializes every write this Apply represents but defers
// recording their Applied markers, returning them as a Tidy a later
// commit can carry (amortizing the bookkeeping append into that
// commit's own compare_and_append).
func (a *Apply) Tidy(ctx context.Context) (*Tidy, error) {
	for _, w := range a.writes {
		if err := a.h.applyDataShard(ctx, w); err != nil {
			return nil, err
		}
	}
	return &Tidy{writes: append([]applyWrite(nil), a.writes...)}, nil
}

// Tidy accumulates Applied facts for writes that have already been
// materialized onto their data shard, so a subsequent CommitAt can carry
// their bookkeeping markers into its own compare_and_append rather than
// appending them in a separate commit.
type Tidy struct {
	writes []applyWrite
}

// Empty reports whether t carries no pending markers.
func (t *Tidy) Empty() bool {
	return t == nil || len(t.writes) == 0
}

func (t *Tidy) drain() []controlEvent {
	if t == nil {
		return nil
	}
	events := make([]controlEvent, 0, len(t.writes))
	for _, w := range t.writes {
		events = append(events, controlEvent{Kind: eventApplied, DataShard: w.shard, CommitTs: w.commitTs})
	}
	t.writes = nil
	return events
}
