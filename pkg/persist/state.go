package persist

import (
	"time"

	"github.com/cuemby/corestream/pkg/shardid"
)

// ReaderID names a registered leased reader.
type ReaderID string

// WriterID names a registered writer.
type WriterID string

// CriticalReaderID names a registered critical (since-pinning) reader.
// A process recovers its own hold across restarts by reusing a
// well-known CriticalReaderID rather than registering a fresh one.
type CriticalReaderID string

// LeasedReader is the durable record of one leased reader's hold.
type LeasedReader struct {
	Purpose    string
	Since      Antichain
	LeaseUntil time.Time
}

// Writer is the durable record of one registered writer.
type Writer struct {
	Purpose    string
	LeaseUntil time.Time
}

// CriticalReader is the durable record of one critical reader's hold,
// CaS-guarded by Opaque so two processes sharing a CriticalReaderID
// cannot race each other's downgrade_since calls.
type CriticalReader struct {
	Purpose string
	Since   Antichain
	Opaque  string
}

// State is the authoritative, versioned metadata for one shard. It is
// never mutated in place outside of Machine's CaS loop; every public
// transition method returns a new State value plus the diff that
// produced it.
type State struct {
	Shard   shardid.ShardID
	SeqNo   shardid.SeqNo
	KeyCodec string
	ValCodec string

	Upper Antichain
	Since Antichain
	Trace []Batch

	LeasedReaders   map[ReaderID]LeasedReader
	CriticalReaders map[CriticalReaderID]CriticalReader
	Writers         map[WriterID]Writer

	Tombstone bool
}

// NewState returns the initial (empty) state of a shard that has not
// yet been written to, fingerprinting it with the given codecs.
func NewState(shard shardid.ShardID, keyCodec, valCodec string) State {
	return State{
		Shard:           shard,
		SeqNo:           0,
		KeyCodec:        keyCodec,
		ValCodec:        valCodec,
		Upper:           AntichainAt(0),
		Since:           AntichainAt(0),
		LeasedReaders:   map[ReaderID]LeasedReader{},
		CriticalReaders: map[CriticalReaderID]CriticalReader{},
		Writers:         map[WriterID]Writer{},
	}
}

// clone returns a deep-enough copy of s for a transition to mutate
// without aliasing the caller's maps and slices.
func (s State) clone() State {
	next := s
	next.Trace = append([]Batch(nil), s.Trace...)

	next.LeasedReaders = make(map[ReaderID]LeasedReader, len(s.LeasedReaders))
	for k, v := range s.LeasedReaders {
		next.LeasedReaders[k] = v
	}
	next.CriticalReaders = make(map[CriticalReaderID]CriticalReader, len(s.CriticalReaders))
	for k, v := range s.CriticalReaders {
		next.CriticalReaders[k] = v
	}
	next.Writers = make(map[WriterID]Writer, len(s.Writers))
	for k, v := range s.Writers {
		next.Writers[k] = v
	}
	return next
}

// recomputeSince sets Since to the meet of every live reader's hold
// (leased and critical); a shard with no readers at all keeps its
// current Since (compaction still bounded by allow_compaction calls
// addressed by collection id, tracked the same way as a reader hold).
func (s *State) recomputeSince() {
	has := false
	meet := EmptyAntichain()
	for _, r := range s.LeasedReaders {
		if !has {
			meet, has = r.Since, true
		} else {
			meet = Meet(meet, r.Since)
		}
	}
	for _, r := range s.CriticalReaders {
		if !has {
			meet, has = r.Since, true
		} else {
			meet = Meet(meet, r.Since)
		}
	}
	if has {
		s.Since = meet
	}
}

// canTombstone reports whether the shard qualifies for become_tombstone:
// both frontiers empty, no leased readers or writers left, and every
// critical reader (including allow_compaction holds) released to the
// empty antichain.
func (s State) canTombstone() bool {
	if !s.Upper.Empty || !s.Since.Empty || len(s.LeasedReaders) != 0 || len(s.Writers) != 0 {
		return false
	}
	for _, r := range s.CriticalReaders {
		if !r.Since.Empty {
			return false
		}
	}
	return true
}
