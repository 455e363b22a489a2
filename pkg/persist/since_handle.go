package persist

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// SinceHandle is a critical reader: its since hold is relaxed by an
// explicit compare-and-set on an opaque token rather than a lease, so it
// survives process restarts. A process recovers its previous hold by
// reusing the same well-known CriticalReaderID instead of generating a
// fresh one, avoiding a race with its own prior incarnation.
type SinceHandle struct {
	machine *Machine
	id      CriticalReaderID

	mu     sync.Mutex
	since  Antichain
	opaque string
}

// OpenSinceHandle registers (or recovers) a critical reader under id. A
// fresh opaque token is minted only if none is recovered.
func OpenSinceHandle(ctx context.Context, machine *Machine, id CriticalReaderID, purpose string) (*SinceHandle, error) {
	since, opaque, err := machine.RegisterCriticalReader(ctx, id, purpose, uuid.NewString())
	if err != nil {
		return nil, err
	}
	return &SinceHandle{machine: machine, id: id, since: since, opaque: opaque}, nil
}

// Since returns the handle's last-known since hold.
func (sh *SinceHandle) Since() Antichain {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.since
}

// CompareAndDowngradeSince advances the hold to newSince, CaS'd against
// the handle's last-known opaque token, and mints a fresh token for the
// next call.
func (sh *SinceHandle) CompareAndDowngradeSince(ctx context.Context, newSince Antichain) error {
	sh.mu.Lock()
	expected := sh.opaque
	sh.mu.Unlock()

	newOpaque := uuid.NewString()
	opaque, err := sh.machine.CompareAndDowngradeSince(ctx, sh.id, expected, newOpaque, newSince)
	if err != nil {
		return err
	}

	sh.mu.Lock()
	sh.opaque = opaque
	if sh.since.Less(newSince) {
		sh.since = newSince
	}
	sh.mu.Unlock()
	return nil
}

// Expire releases the critical reader's hold permanently. Unlike a
// leased reader, a critical reader never expires on its own: failing to
// call Expire pins the shard's since forever.
func (sh *SinceHandle) Expire(ctx context.Context) error {
	return sh.machine.ExpireCriticalReader(ctx, sh.id)
}
