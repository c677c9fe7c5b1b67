package notify

import (
	"sync"

	"github.com/danmuck/mediactl/internal/media"
)

// DefaultWorkers is the delivery goroutine count when none is configured.
const DefaultWorkers = 4

// WorkerPool delivers tokens on a fixed set of goroutines. A session always
// maps to the same worker, so its notifications are delivered in order.
type WorkerPool struct {
	shards []*tokenQueue
	wg     sync.WaitGroup
	once   sync.Once
}

// NewWorkerPool creates a pool with workers shards. Non-positive counts use
// DefaultWorkers.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	p := &WorkerPool{shards: make([]*tokenQueue, workers)}
	for i := range p.shards {
		p.shards[i] = newTokenQueue()
	}
	return p
}

// Start runs one goroutine per shard calling deliver for every queued token.
func (p *WorkerPool) Start(deliver func(Token) bool) {
	for _, q := range p.shards {
		p.wg.Add(1)
		go func(q *tokenQueue) {
			defer p.wg.Done()
			for {
				tok, ok := q.pop()
				if !ok {
					return
				}
				deliver(tok)
			}
		}(q)
	}
}

func (p *WorkerPool) Dispatch(session media.SessionID, tok Token) {
	p.shards[uint64(session)%uint64(len(p.shards))].push(tok)
}

// Stop delivers what is already queued, then waits for the workers to exit.
func (p *WorkerPool) Stop() {
	p.once.Do(func() {
		for _, q := range p.shards {
			q.close()
		}
	})
	p.wg.Wait()
}

// Queued counts tokens waiting across all shards.
func (p *WorkerPool) Queued() int {
	n := 0
	for _, q := range p.shards {
		n += q.len()
	}
	return n
}

// tokenQueue is an unbounded FIFO so producers holding a session lock never
// block on a slow sink.
type tokenQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Token
	closed bool
}

func newTokenQueue() *tokenQueue {
	q := &tokenQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *tokenQueue) push(tok Token) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, tok)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *tokenQueue) pop() (Token, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return 0, false
	}
	tok := q.items[0]
	q.items[0] = 0
	q.items = q.items[1:]
	return tok, true
}

func (q *tokenQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *tokenQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
