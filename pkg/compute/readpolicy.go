package compute

import "github.com/cuemby/corestream/pkg/persist"

// ReadPolicy computes a collection's implied read capability from its
// current write frontier.
type ReadPolicy interface {
	Frontier(writeFrontier persist.Antichain) persist.Antichain
}

// ValidFrom pins the implied capability at a fixed time regardless of
// the write frontier: At is returned whether the write frontier is
// behind it, at it, or past it. Used by peek since-violation tests
// (spec.md §8 S4).
type ValidFrom struct {
	At persist.Time
}

func (p ValidFrom) Frontier(writeFrontier persist.Antichain) persist.Antichain {
	return persist.AntichainAt(p.At)
}

// LagWriteFrontier holds the implied capability a fixed lag behind the
// current write frontier, the default policy for interactive queries.
type LagWriteFrontier struct {
	Lag persist.Time
}

func (p LagWriteFrontier) Frontier(writeFrontier persist.Antichain) persist.Antichain {
	if writeFrontier.Empty {
		return persist.EmptyAntichain()
	}
	if writeFrontier.Bound <= p.Lag {
		return persist.AntichainAt(0)
	}
	return persist.AntichainAt(writeFrontier.Bound - p.Lag)
}
