package coordinator

import (
	"github.com/cuemby/corestream/pkg/txn"
)

// session is the Coordinator's per-connection bookkeeping: the open
// txn (if any), session variables, and the secret Startup handed out
// for soft cancellation.
type session struct {
	connID string
	roleID string
	secret uint32
	vars   map[string]string
	txn    *txn.Txn
	cancel chan struct{}
}

func newSession(req *StartupRequest) *session {
	return &session{
		connID: req.ConnID,
		roleID: req.User,
		secret: req.Secret,
		vars:   map[string]string{},
		cancel: make(chan struct{}),
	}
}

func (s *session) openTxn() *txn.Txn {
	if s.txn == nil {
		s.txn = txn.NewTxn()
	}
	return s.txn
}
