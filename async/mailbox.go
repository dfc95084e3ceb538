// Package async provides tools for asynchronous callback processing using
// goroutines: a Mailbox that collects completed results and invokes their
// callbacks on the owner's goroutine, and a Runner that feeds a bounded
// pool of workers.
//
// The search driver uses it to fan candidate-timeline evaluations out to
// workers while keeping all best-set mutation on its own goroutine:
//
//	runner := async.NewRunner(workers)
//	defer runner.Close()
//	for _, tuple := range tuples {
//	    tuple := tuple
//	    runner.RunAsync(func() interface{} { return evaluate(tuple) }, merge)
//	}
//	runner.Drain()
package async

import (
	"runtime"
	"sync"
)

// ValueResponseHandler is the callback invoked with a completed task's
// result.
type ValueResponseHandler func(interface{})

// AsyncValue is a one-shot container a producer goroutine completes and the
// owning goroutine consumes via Mailbox.ProcessMessages.
type AsyncValue struct {
	mu    sync.Mutex
	done  bool
	value interface{}
}

func newAsyncValue() *AsyncValue {
	return &AsyncValue{}
}

// SetValue completes the AsyncValue. It must be called exactly once.
func (a *AsyncValue) SetValue(v interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = v
	a.done = true
}

// TryGetValue returns (true, value) once SetValue has run.
func (a *AsyncValue) TryGetValue() (bool, interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done, a.value
}

type message struct {
	value    *AsyncValue
	callback ValueResponseHandler
}

// Mailbox tracks in-progress AsyncValues and their callbacks. It is not
// thread-safe; only the owning goroutine may call its methods, which
// ensures callbacks run one at a time in the owner's context.
type Mailbox struct {
	msgs []message
}

func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Count is the number of values not yet delivered to their callbacks.
func (bx *Mailbox) Count() int {
	return len(bx.msgs)
}

// NewAsyncValue registers a callback and returns the AsyncValue a producer
// should complete. The callback fires on a later ProcessMessages call.
func (bx *Mailbox) NewAsyncValue(cb ValueResponseHandler) *AsyncValue {
	msg := message{value: newAsyncValue(), callback: cb}
	bx.msgs = append(bx.msgs, msg)
	return msg.value
}

// ProcessMessages invokes the callbacks of all completed values and drops
// them from the mailbox.
func (bx *Mailbox) ProcessMessages() {
	var pending []message
	for _, msg := range bx.msgs {
		if ok, v := msg.value.TryGetValue(); ok {
			msg.callback(v)
		} else {
			pending = append(pending, msg)
		}
	}
	bx.msgs = pending
}

// Runner runs functions on a fixed pool of worker goroutines and delivers
// their results through a Mailbox. Submissions beyond the pool size queue.
type Runner struct {
	bx      *Mailbox
	tasks   chan func()
	wg      sync.WaitGroup
	closed  bool
	closeMu sync.Mutex
}

// NewRunner starts a pool of the given size; sizes below one are raised to
// one.
func NewRunner(workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	r := &Runner{
		bx:    NewMailbox(),
		tasks: make(chan func(), workers),
	}
	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer r.wg.Done()
			for task := range r.tasks {
				task()
			}
		}()
	}
	return r
}

// NumRunning is the number of submitted tasks whose callbacks have not run.
func (r *Runner) NumRunning() int {
	return r.bx.Count()
}

// RunAsync submits f to the pool; cb fires with f's result on a later
// ProcessMessages or Drain call, on the caller's goroutine.
func (r *Runner) RunAsync(f func() interface{}, cb ValueResponseHandler) {
	rsp := r.bx.NewAsyncValue(cb)
	r.tasks <- func() {
		rsp.SetValue(f())
	}
}

// ProcessMessages invokes callbacks for completed tasks.
func (r *Runner) ProcessMessages() {
	r.bx.ProcessMessages()
}

// Drain blocks until every submitted task has completed and had its
// callback invoked.
func (r *Runner) Drain() {
	for r.bx.Count() > 0 {
		r.bx.ProcessMessages()
		runtime.Gosched()
	}
}

// Close stops the workers once queued tasks finish. Pending callbacks can
// still be collected with ProcessMessages or Drain; Close does not run
// them.
func (r *Runner) Close() {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.tasks)
	r.wg.Wait()
}
