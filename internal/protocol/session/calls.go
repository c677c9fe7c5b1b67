package session

import (
	"sync"

	"github.com/danmuck/mediactl/internal/protocol/frame"
)

// CallResult is the outcome of one in-flight call: a response frame, or the
// error that ended the channel before one arrived.
type CallResult struct {
	Frame frame.Frame
	Err   error
}

// CallTable tracks in-flight calls by call id. Once failed it refuses new
// calls with the failure error.
type CallTable struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]chan CallResult
	failed  error
}

// NewCallTable creates an empty call table.
func NewCallTable() *CallTable {
	return &CallTable{pending: make(map[uint64]chan CallResult)}
}

// Begin allocates a call id and the channel its result arrives on.
func (t *CallTable) Begin() (uint64, <-chan CallResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed != nil {
		return 0, nil, t.failed
	}
	t.next++
	ch := make(chan CallResult, 1)
	t.pending[t.next] = ch
	return t.next, ch, nil
}

// Resolve hands a response to its waiting call. Unknown ids report false.
func (t *CallTable) Resolve(id uint64, f frame.Frame) bool {
	t.mu.Lock()
	ch, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- CallResult{Frame: f}
	return true
}

// Abandon forgets a call whose request never made it onto the wire.
func (t *CallTable) Abandon(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Fail resolves every pending call with err and refuses later calls. Only
// the first error sticks. It returns how many calls it resolved.
func (t *CallTable) Fail(err error) int {
	t.mu.Lock()
	if t.failed == nil {
		t.failed = err
	}
	pending := t.pending
	t.pending = make(map[uint64]chan CallResult)
	failed := t.failed
	t.mu.Unlock()
	for _, ch := range pending {
		ch <- CallResult{Err: failed}
	}
	return len(pending)
}

// Err returns the failure error, if any.
func (t *CallTable) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

func (t *CallTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
