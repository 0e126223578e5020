// Package pool runs independent evaluations on a fixed set of worker goroutines.
//
// Functions needing a *Pool work with a nil receiver, doing the same work on the
// calling goroutine instead.
package pool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// task is one evaluation handed to a worker.
type task struct {
	i    int
	f    func(int)
	done *sync.WaitGroup
}

func worker(tasks <-chan task) {
	for t := range tasks {
		t.f(t.i)
		t.done.Done()
	}
}

// Pool is a work stealing pool: every worker reads from the same channel.
type Pool struct {
	tasks chan task
}

// NewPool starts count workers, or one per CPU if count <= 0.
func NewPool(count int) *Pool {
	if count <= 0 {
		count = runtime.NumCPU()
	}
	p := &Pool{tasks: make(chan task)}
	for i := 0; i < count; i++ {
		go worker(p.tasks)
	}
	return p
}

// TearDown stops the workers. The pool must not be used afterwards.
func (p *Pool) TearDown() {
	close(p.tasks)
}

// Run calls f(0), ..., f(count-1) and returns once every call has returned.
func (p *Pool) Run(count int, f func(int)) {
	if p == nil {
		for i := 0; i < count; i++ {
			f(i)
		}
		return
	}
	var done sync.WaitGroup
	done.Add(count)
	for i := 0; i < count; i++ {
		p.tasks <- task{i: i, f: f, done: &done}
	}
	done.Wait()
}

// FirstMatch returns the smallest i in 0..count-1 such that match(i) holds, or -1.
//
// Candidates above an index that already matched are skipped, so the answer is the same
// as a sequential scan regardless of scheduling.
func (p *Pool) FirstMatch(count int, match func(int) bool) int {
	if p == nil {
		for i := 0; i < count; i++ {
			if match(i) {
				return i
			}
		}
		return -1
	}

	best := int64(count)
	p.Run(count, func(i int) {
		if int64(i) > atomic.LoadInt64(&best) || !match(i) {
			return
		}
		for {
			current := atomic.LoadInt64(&best)
			if int64(i) >= current || atomic.CompareAndSwapInt64(&best, current, int64(i)) {
				return
			}
		}
	})
	if best == int64(count) {
		return -1
	}
	return int(best)
}
