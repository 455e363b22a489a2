package consensus

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/corestream/pkg/shardid"
	"github.com/hashicorp/raft"
)

// command is the envelope applied through the Raft log, mirroring the
// manager's {Op, Data} dispatch shape.
type command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

type casCommand struct {
	Shard        string  `json:"shard"`
	HasExpected  bool    `json:"has_expected"`
	ExpectedSeq  uint64  `json:"expected_seq"`
	NewSeqNo     uint64  `json:"new_seqno"`
	NewData      []byte  `json:"new_data"`
}

type truncateCommand struct {
	Shard string `json:"shard"`
	Upto  uint64 `json:"upto"`
}

// casFSMResult is what Apply returns to the caller for a "cas" command.
type casFSMResult struct {
	OK          bool
	HadHead     bool
	CurrentSeq  uint64
	CurrentData []byte
}

// consensusFSM is the Raft FSM backing the whole Consensus service: one
// Raft group holds every shard's register, keyed by the shard's string
// form, the same way the manager's FSM holds every cluster entity in
// one store behind one Raft group.
type consensusFSM struct {
	mu   sync.RWMutex
	logs map[string][]Entry
}

func newConsensusFSM() *consensusFSM {
	return &consensusFSM{logs: make(map[string][]Entry)}
}

func (f *consensusFSM) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("consensus fsm: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "cas":
		var c casCommand
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return fmt.Errorf("consensus fsm: unmarshal cas: %w", err)
		}
		return f.applyCAS(c)
	case "truncate":
		var c truncateCommand
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return fmt.Errorf("consensus fsm: unmarshal truncate: %w", err)
		}
		f.applyTruncate(c)
		return nil
	default:
		return fmt.Errorf("consensus fsm: unknown op %q", cmd.Op)
	}
}

func (f *consensusFSM) applyCAS(c casCommand) casFSMResult {
	log := f.logs[c.Shard]

	var current Entry
	hadHead := len(log) > 0
	if hadHead {
		current = log[len(log)-1]
	}

	matches := (!c.HasExpected && !hadHead) || (c.HasExpected && hadHead && uint64(current.SeqNo) == c.ExpectedSeq)
	if !matches {
		return casFSMResult{OK: false, HadHead: hadHead, CurrentSeq: uint64(current.SeqNo), CurrentData: current.Data}
	}

	var want uint64
	if c.HasExpected {
		want = c.ExpectedSeq + 1
	} else {
		want = 1
	}
	if c.NewSeqNo != want {
		return casFSMResult{OK: false, HadHead: hadHead, CurrentSeq: uint64(current.SeqNo), CurrentData: current.Data}
	}

	f.logs[c.Shard] = append(log, Entry{SeqNo: shardid.SeqNo(c.NewSeqNo), Data: c.NewData})
	return casFSMResult{OK: true}
}

func (f *consensusFSM) applyTruncate(c truncateCommand) {
	log := f.logs[c.Shard]
	kept := log[:0:0]
	for _, e := range log {
		if uint64(e.SeqNo) >= c.Upto {
			kept = append(kept, e)
		}
	}
	f.logs[c.Shard] = kept
}

func (f *consensusFSM) head(shard string) (Entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	log := f.logs[shard]
	if len(log) == 0 {
		return Entry{}, false
	}
	return log[len(log)-1], true
}

func (f *consensusFSM) scan(shard string, from shardid.SeqNo, limit int) []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []Entry
	for _, e := range f.logs[shard] {
		if e.SeqNo < from {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (f *consensusFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cp := make(map[string][]Entry, len(f.logs))
	for k, v := range f.logs {
		cp[k] = append([]Entry(nil), v...)
	}
	return &consensusSnapshot{logs: cp}, nil
}

func (f *consensusFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var logs map[string][]Entry
	if err := json.NewDecoder(rc).Decode(&logs); err != nil {
		return fmt.Errorf("consensus fsm: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = logs
	return nil
}

type consensusSnapshot struct {
	logs map[string][]Entry
}

func (s *consensusSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.logs); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *consensusSnapshot) Release() {}
