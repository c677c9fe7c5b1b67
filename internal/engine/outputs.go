package engine

import "sync"

// OutputPool assigns produced payloads to free output ordinals. Payloads that
// arrive while every output is held by the client wait in a backlog and go
// out as outputs are released.
type OutputPool struct {
	mu      sync.Mutex
	size    int
	free    []int
	held    map[int]bool
	backlog []Event
}

// NewOutputPool creates a pool of size free output indices.
func NewOutputPool(size int) *OutputPool {
	p := &OutputPool{}
	p.Resize(size)
	return p
}

// Resize resets the pool to size free outputs.
func (p *OutputPool) Resize(size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.size = size
	p.free = make([]int, 0, size)
	for i := 0; i < size; i++ {
		p.free = append(p.free, i)
	}
	p.held = make(map[int]bool, size)
	p.backlog = nil
}

// Emit pushes ev as an output-ready event on q once an output is free.
func (p *OutputPool) Emit(ev Event, q *EventQueue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		p.backlog = append(p.backlog, ev)
		return
	}
	p.emitLocked(ev, q)
}

// Release returns an output ordinal and drains one backlog entry into it.
// Unknown or already free ordinals report false.
func (p *OutputPool) Release(index int, q *EventQueue) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.held[index] {
		return false
	}
	delete(p.held, index)
	p.free = append(p.free, index)
	if len(p.backlog) > 0 {
		ev := p.backlog[0]
		p.backlog = p.backlog[1:]
		p.emitLocked(ev, q)
	}
	return true
}

// Reclaim frees every output and clears the backlog.
func (p *OutputPool) Reclaim() {
	p.Resize(p.Size())
}

func (p *OutputPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *OutputPool) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

func (p *OutputPool) emitLocked(ev Event, q *EventQueue) {
	idx := p.free[0]
	p.free = p.free[1:]
	p.held[idx] = true
	ev.Kind = EventOutputReady
	ev.Index = idx
	q.Push(ev)
}
