package persist

import (
	"encoding/json"
	"time"

	"github.com/cuemby/corestream/pkg/corerr"
)

// transition is one durable state transition, replayable deterministically
// against any State at the seqno it was recorded for. Every Machine
// operation builds one of these, runs it once locally to decide whether
// anything changed, and on success serializes it as the Consensus diff
// for that seqno; any process can later replay it to catch up.
type transition interface {
	Kind() string
	Apply(s State) (next State, changed bool, err error)
}

// buildEnvelope serializes a transition into the record stored as one
// Consensus entry's data; RollupKey is filled in by Machine.apply when
// the rollup cadence is hit.
func buildEnvelope(t transition) (opRecord, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return opRecord{}, corerr.InvalidUsage("marshal transition")
	}
	return opRecord{Kind: t.Kind(), Data: data}, nil
}

type opRecord struct {
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
	RollupKey string          `json:"rollup_key,omitempty"`
}

func decodeEnvelope(data []byte) (opRecord, error) {
	var env opRecord
	if err := json.Unmarshal(data, &env); err != nil {
		return opRecord{}, corerr.Determinate("unmarshal transition envelope", err)
	}
	return env, nil
}

// decodeTransition parses an envelope's payload back into its transition.
func decodeTransition(env opRecord) (transition, error) {
	var t transition
	switch env.Kind {
	case kindRegisterLeasedReader:
		t = &registerLeasedReaderOp{}
	case kindRegisterCriticalReader:
		t = &registerCriticalReaderOp{}
	case kindRegisterWriter:
		t = &registerWriterOp{}
	case kindHeartbeatReader:
		t = &heartbeatReaderOp{}
	case kindHeartbeatWriter:
		t = &heartbeatWriterOp{}
	case kindExpireReader:
		t = &expireReaderOp{}
	case kindExpireWriter:
		t = &expireWriterOp{}
	case kindExpireCriticalReader:
		t = &expireCriticalReaderOp{}
	case kindCompareAndAppend:
		t = &compareAndAppendOp{}
	case kindDowngradeSince:
		t = &downgradeSinceOp{}
	case kindCompareAndDowngradeSince:
		t = &compareAndDowngradeSinceOp{}
	case kindAllowCompaction:
		t = &allowCompactionOp{}
	case kindBecomeTombstone:
		t = &becomeTombstoneOp{}
	case kindCompactTraceWindow:
		t = &compactTraceWindowOp{}
	default:
		return nil, corerr.Determinate("unknown transition kind "+env.Kind, nil)
	}
	if err := json.Unmarshal(env.Data, t); err != nil {
		return nil, corerr.Determinate("unmarshal transition payload", err)
	}
	return t, nil
}

const (
	kindRegisterLeasedReader    = "register_leased_reader"
	kindRegisterCriticalReader  = "register_critical_reader"
	kindRegisterWriter          = "register_writer"
	kindHeartbeatReader         = "heartbeat_reader"
	kindHeartbeatWriter         = "heartbeat_writer"
	kindExpireReader            = "expire_reader"
	kindExpireWriter            = "expire_writer"
	kindExpireCriticalReader    = "expire_critical_reader"
	kindCompareAndAppend        = "compare_and_append"
	kindDowngradeSince          = "downgrade_since"
	kindCompareAndDowngradeSince = "compare_and_downgrade_since"
	kindAllowCompaction         = "allow_compaction"
	kindBecomeTombstone         = "become_tombstone"
	kindCompactTraceWindow      = "compact_trace_window"
)

type registerLeasedReaderOp struct {
	ReaderID      ReaderID  `json:"reader_id"`
	Purpose       string    `json:"purpose"`
	LeaseDuration int64     `json:"lease_ns"`
	Now           time.Time `json:"now"`
}

func (o *registerLeasedReaderOp) Kind() string { return kindRegisterLeasedReader }

func (o *registerLeasedReaderOp) Apply(s State) (State, bool, error) {
	if s.Tombstone {
		return s, false, corerr.InvalidUsage("shard tombstoned")
	}
	if _, exists := s.LeasedReaders[o.ReaderID]; exists {
		return s, false, nil
	}
	next := s.clone()
	next.LeasedReaders[o.ReaderID] = LeasedReader{
		Purpose:    o.Purpose,
		Since:      s.Since,
		LeaseUntil: o.Now.Add(time.Duration(o.LeaseDuration)),
	}
	next.SeqNo = s.SeqNo.Next()
	return next, true, nil
}

type registerCriticalReaderOp struct {
	ID      CriticalReaderID `json:"id"`
	Purpose string           `json:"purpose"`
	Opaque  string           `json:"opaque"`
}

func (o *registerCriticalReaderOp) Kind() string { return kindRegisterCriticalReader }

func (o *registerCriticalReaderOp) Apply(s State) (State, bool, error) {
	if s.Tombstone {
		return s, false, corerr.InvalidUsage("shard tombstoned")
	}
	if existing, ok := s.CriticalReaders[o.ID]; ok {
		// Recovering a prior hold under the same well-known id is a no-op;
		// the opaque token is preserved so the caller can resume CaS'ing
		// against it.
		_ = existing
		return s, false, nil
	}
	next := s.clone()
	next.CriticalReaders[o.ID] = CriticalReader{
		Purpose: o.Purpose,
		Since:   s.Since,
		Opaque:  o.Opaque,
	}
	next.SeqNo = s.SeqNo.Next()
	return next, true, nil
}

type registerWriterOp struct {
	WriterID      WriterID  `json:"writer_id"`
	Purpose       string    `json:"purpose"`
	LeaseDuration int64     `json:"lease_ns"`
	Now           time.Time `json:"now"`
}

func (o *registerWriterOp) Kind() string { return kindRegisterWriter }

func (o *registerWriterOp) Apply(s State) (State, bool, error) {
	if s.Tombstone {
		return s, false, corerr.InvalidUsage("shard tombstoned")
	}
	if _, exists := s.Writers[o.WriterID]; exists {
		return s, false, nil
	}
	next := s.clone()
	next.Writers[o.WriterID] = Writer{
		Purpose:    o.Purpose,
		LeaseUntil: o.Now.Add(time.Duration(o.LeaseDuration)),
	}
	next.SeqNo = s.SeqNo.Next()
	return next, true, nil
}

type heartbeatReaderOp struct {
	ReaderID      ReaderID  `json:"reader_id"`
	Now           time.Time `json:"now"`
	LeaseDuration int64     `json:"lease_ns"`
}

func (o *heartbeatReaderOp) Kind() string { return kindHeartbeatReader }

func (o *heartbeatReaderOp) Apply(s State) (State, bool, error) {
	r, ok := s.LeasedReaders[o.ReaderID]
	if !ok {
		return s, false, nil
	}
	next := s.clone()
	r.LeaseUntil = o.Now.Add(time.Duration(o.LeaseDuration))
	next.LeasedReaders[o.ReaderID] = r
	next.SeqNo = s.SeqNo.Next()
	return next, true, nil
}

type heartbeatWriterOp struct {
	WriterID      WriterID  `json:"writer_id"`
	Now           time.Time `json:"now"`
	LeaseDuration int64     `json:"lease_ns"`
}

func (o *heartbeatWriterOp) Kind() string { return kindHeartbeatWriter }

func (o *heartbeatWriterOp) Apply(s State) (State, bool, error) {
	w, ok := s.Writers[o.WriterID]
	if !ok {
		return s, false, nil
	}
	next := s.clone()
	w.LeaseUntil = o.Now.Add(time.Duration(o.LeaseDuration))
	next.Writers[o.WriterID] = w
	next.SeqNo = s.SeqNo.Next()
	return next, true, nil
}

type expireReaderOp struct {
	ReaderID ReaderID `json:"reader_id"`
}

func (o *expireReaderOp) Kind() string { return kindExpireReader }

func (o *expireReaderOp) Apply(s State) (State, bool, error) {
	if _, ok := s.LeasedReaders[o.ReaderID]; !ok {
		return s, false, nil
	}
	next := s.clone()
	delete(next.LeasedReaders, o.ReaderID)
	next.recomputeSince()
	next.SeqNo = s.SeqNo.Next()
	return next, true, nil
}

type expireWriterOp struct {
	WriterID WriterID `json:"writer_id"`
}

func (o *expireWriterOp) Kind() string { return kindExpireWriter }

func (o *expireWriterOp) Apply(s State) (State, bool, error) {
	if _, ok := s.Writers[o.WriterID]; !ok {
		return s, false, nil
	}
	next := s.clone()
	delete(next.Writers, o.WriterID)
	next.SeqNo = s.SeqNo.Next()
	return next, true, nil
}

type expireCriticalReaderOp struct {
	ID CriticalReaderID `json:"id"`
}

func (o *expireCriticalReaderOp) Kind() string { return kindExpireCriticalReader }

func (o *expireCriticalReaderOp) Apply(s State) (State, bool, error) {
	if _, ok := s.CriticalReaders[o.ID]; !ok {
		return s, false, nil
	}
	next := s.clone()
	delete(next.CriticalReaders, o.ID)
	next.recomputeSince()
	next.SeqNo = s.SeqNo.Next()
	return next, true, nil
}

// compareAndAppendOp is the write path: append a batch to the trace and
// advance upper, guarded by expectedUpper matching the current upper.
type compareAndAppendOp struct {
	WriterID      WriterID  `json:"writer_id"`
	Batch         Batch     `json:"batch"`
	ExpectedUpper Antichain `json:"expected_upper"`
	NewUpper      Antichain `json:"new_upper"`
}

func (o *compareAndAppendOp) Kind() string { return kindCompareAndAppend }

func (o *compareAndAppendOp) Apply(s State) (State, bool, error) {
	if s.Tombstone {
		return s, false, corerr.InvalidUsage("shard tombstoned")
	}
	if _, ok := s.Writers[o.WriterID]; !ok {
		return s, false, corerr.InvalidUsage("unknown writer")
	}
	if s.Upper != o.ExpectedUpper {
		// UpperMismatch: not an error, just no transition; caller inspects
		// s.Upper via the returned (unchanged) state.
		return s, false, nil
	}
	if !o.ExpectedUpper.LessEqual(o.NewUpper) {
		return s, false, corerr.InvalidUsage("new upper must be >= expected upper")
	}
	next := s.clone()
	if !o.Batch.IsEmpty() || o.ExpectedUpper != o.NewUpper {
		next.Trace = append(next.Trace, o.Batch)
	}
	next.Upper = o.NewUpper
	next.SeqNo = s.SeqNo.Next()
	return next, true, nil
}

type downgradeSinceOp struct {
	ReaderID ReaderID  `json:"reader_id"`
	NewSince Antichain `json:"new_since"`
}

func (o *downgradeSinceOp) Kind() string { return kindDowngradeSince }

func (o *downgradeSinceOp) Apply(s State) (State, bool, error) {
	r, ok := s.LeasedReaders[o.ReaderID]
	if !ok {
		return s, false, corerr.InvalidUsage("unknown reader")
	}
	if !r.Since.Less(o.NewSince) {
		return s, false, nil
	}
	next := s.clone()
	r.Since = o.NewSince
	next.LeasedReaders[o.ReaderID] = r
	next.recomputeSince()
	next.SeqNo = s.SeqNo.Next()
	return next, true, nil
}

type compareAndDowngradeSinceOp struct {
	ID             CriticalReaderID `json:"id"`
	ExpectedOpaque string           `json:"expected_opaque"`
	NewOpaque      string           `json:"new_opaque"`
	NewSince       Antichain        `json:"new_since"`
}

func (o *compareAndDowngradeSinceOp) Kind() string { return kindCompareAndDowngradeSince }

func (o *compareAndDowngradeSinceOp) Apply(s State) (State, bool, error) {
	r, ok := s.CriticalReaders[o.ID]
	if !ok {
		return s, false, corerr.InvalidUsage("unknown critical reader")
	}
	if r.Opaque != o.ExpectedOpaque {
		return s, false, corerr.Frontier("opaque token mismatch")
	}
	if !r.Since.Less(o.NewSince) {
		return s, false, nil
	}
	next := s.clone()
	r.Since = o.NewSince
	r.Opaque = o.NewOpaque
	next.CriticalReaders[o.ID] = r
	next.recomputeSince()
	next.SeqNo = s.SeqNo.Next()
	return next, true, nil
}

// allowCompactionOp is downgrade_since addressed by an arbitrary
// component id (e.g. a compute collection id) rather than a specific
// reader registration; it is tracked as its own critical-reader-shaped
// hold so recomputeSince folds it into the shard since uniformly.
type allowCompactionOp struct {
	ID       CriticalReaderID `json:"id"`
	NewSince Antichain        `json:"new_since"`
}

func (o *allowCompactionOp) Kind() string { return kindAllowCompaction }

func (o *allowCompactionOp) Apply(s State) (State, bool, error) {
	r, ok := s.CriticalReaders[o.ID]
	if !ok {
		r = CriticalReader{Purpose: "allow_compaction", Since: s.Since}
	}
	if !r.Since.Less(o.NewSince) {
		return s, false, nil
	}
	next := s.clone()
	r.Since = o.NewSince
	next.CriticalReaders[o.ID] = r
	next.recomputeSince()
	next.SeqNo = s.SeqNo.Next()
	return next, true, nil
}

// compactTraceWindowOp replaces a contiguous run of trace spanning
// exactly [Lower, Upper) with a single merged batch. It matches the run
// by bounds rather than by index or content, since the trace may have
// shifted between when the Compactor read it and when this transition
// commits; if no such exact run is found the call is treated as a
// no-op (another participant likely already compacted it).
type compactTraceWindowOp struct {
	Lower  Antichain `json:"lower"`
	Upper  Antichain `json:"upper"`
	Merged Batch     `json:"merged"`
}

func (o *compactTraceWindowOp) Kind() string { return kindCompactTraceWindow }

func (o *compactTraceWindowOp) Apply(s State) (State, bool, error) {
	start := -1
	for i, b := range s.Trace {
		if b.Lower == o.Lower {
			start = i
			break
		}
	}
	if start == -1 {
		return s, false, nil
	}
	end := start
	for s.Trace[end].Upper != o.Upper {
		end++
		if end >= len(s.Trace) || s.Trace[end].Lower != s.Trace[end-1].Upper {
			return s, false, nil
		}
	}

	next := s.clone()
	merged := make([]Batch, 0, len(s.Trace)-(end-start))
	merged = append(merged, next.Trace[:start]...)
	merged = append(merged, o.Merged)
	merged = append(merged, next.Trace[end+1:]...)
	next.Trace = merged
	next.SeqNo = s.SeqNo.Next()
	return next, true, nil
}

type becomeTombstoneOp struct{}

func (o *becomeTombstoneOp) Kind() string { return kindBecomeTombstone }

func (o *becomeTombstoneOp) Apply(s State) (State, bool, error) {
	if s.Tombstone {
		return s, false, nil
	}
	if !s.canTombstone() {
		return s, false, corerr.InvalidUsage("shard not eligible for tombstone")
	}
	next := s.clone()
	next.Tombstone = true
	next.SeqNo = s.SeqNo.Next()
	return next, true, nil
}
