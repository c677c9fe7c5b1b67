package rpc

import (
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("rpc: call queue closed")

// Lanes runs jobs submitted under the same key one at a time in submit
// order. Jobs under different keys run concurrently. A lane's goroutine
// exits once it drains.
type Lanes struct {
	mu     sync.Mutex
	lanes  map[uint64]*lane
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	jobs []func()
}

// NewLanes creates an empty lane set.
func NewLanes() *Lanes {
	return &Lanes{lanes: make(map[uint64]*lane)}
}

// Submit queues job behind earlier jobs for key.
func (l *Lanes) Submit(key uint64, job func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrQueueClosed
	}
	if ln, ok := l.lanes[key]; ok {
		ln.jobs = append(ln.jobs, job)
		return nil
	}
	ln := &lane{jobs: []func(){job}}
	l.lanes[key] = ln
	l.wg.Add(1)
	go l.run(key, ln)
	return nil
}

func (l *Lanes) run(key uint64, ln *lane) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(ln.jobs) == 0 {
			delete(l.lanes, key)
			l.mu.Unlock()
			return
		}
		job := ln.jobs[0]
		ln.jobs[0] = nil
		ln.jobs = ln.jobs[1:]
		l.mu.Unlock()
		job()
	}
}

// Active is the number of keys with queued or running work.
func (l *Lanes) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}

// Close refuses new jobs and waits for queued ones to finish.
func (l *Lanes) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
}
