// Package shardid defines the identifiers used throughout the shard
// runtime: the opaque ShardID naming a durable time-varying collection,
// and the SeqNo versioning its state in Consensus.
package shardid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// prefix is prepended to the canonical UUID string form of a ShardID.
const prefix = "s"

// ShardID is a 128-bit opaque identifier for a shard, displayed as
// "s" followed by the canonical 8-4-4-4-12 hex UUID form.
type ShardID struct {
	id uuid.UUID
}

// New generates a fresh, random ShardID.
func New() ShardID {
	return ShardID{id: uuid.New()}
}

// Parse round-trips the string form produced by String.
func Parse(s string) (ShardID, error) {
	if !strings.HasPrefix(s, prefix) {
		return ShardID{}, fmt.Errorf("shardid: incorrect prefix in %q", s)
	}
	rest := s[len(prefix):]
	if len(rest) != 36 {
		return ShardID{}, fmt.Errorf("shardid: invalid length in %q", s)
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return ShardID{}, fmt.Errorf("shardid: %w", err)
	}
	return ShardID{id: id}, nil
}

// String returns the "s"+UUID wire form.
func (s ShardID) String() string {
	return prefix + s.id.String()
}

// IsZero reports whether s is the zero value (not a valid shard).
func (s ShardID) IsZero() bool {
	return s.id == uuid.Nil
}

// MarshalText implements encoding.TextMarshaler so ShardID round-trips
// through JSON and YAML as its string form.
func (s ShardID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ShardID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// SeqNo is the monotonically increasing version of a shard's state in
// Consensus. Gaps between persisted versions are not permitted.
type SeqNo uint64

// Next returns the seqno immediately following s.
func (s SeqNo) Next() SeqNo {
	return s + 1
}
