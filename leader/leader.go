// Package leader implements the leader execution loop (spec.md section
// 4.5): one goroutine per connection drives SQLite's step() calls and
// blocks exactly where the source's cooperative fiber would yield. A
// goroutine parked on a channel receive retains its own stack the same
// way a stackful fiber does, so no separate fiber library is needed — see
// SPEC_FULL.md section 5.
package leader

import (
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/lxc/dqlited/internal/dqliteerr"
	"github.com/lxc/dqlited/internal/logging"
)

// Request is a single exec request submitted to the loop from the main
// (gateway) side, per spec.md section 4.5 step 2. Exec runs on the loop
// goroutine; it is expected to call into SQLite and, transitively, block
// inside the replication hook until consensus resolves.
type Request struct {
	Exec func() error

	// Finalize, if set, is run by Interrupt when the client requests
	// cleanup=finalize (spec.md section 5): it finalizes whatever
	// prepared statement this request was driving. Left nil for
	// requests with nothing to finalize.
	Finalize func()

	done chan struct{}
	err  error

	mu          sync.Mutex
	interrupted bool
}

// NewRequest builds a Request wrapping exec.
func NewRequest(exec func() error) *Request {
	return &Request{Exec: exec, done: make(chan struct{})}
}

// Wait blocks until the loop goroutine has run Exec and reports its
// result, per spec.md section 4.5 step 5 ("signalling completion via the
// request's callback").
func (r *Request) Wait() error {
	<-r.done
	return r.err
}

func (r *Request) complete(err error) {
	r.err = err
	close(r.done)
}

// Interrupt marks the request as interrupted and, if finalize is true,
// runs its Finalize callback, per spec.md section 5's cancellation rule:
// "if the request's cleanup state is finalize, the prepared statement is
// finalized". Interrupt does not stop Exec if the loop goroutine is
// already running it or still has it queued — by the time a caller
// reaches here it has already stopped watching the request (the
// connection "simply forgets its callback"), so whatever Exec eventually
// returns is discarded.
func (r *Request) Interrupt(finalize bool) {
	r.mu.Lock()
	r.interrupted = true
	r.mu.Unlock()

	if finalize && r.Finalize != nil {
		r.Finalize()
	}
}

// Interrupted reports whether Interrupt has been called on this request.
func (r *Request) Interrupted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interrupted
}

// Barrier is a single barrier request (spec.md section 4.5, the
// `leader.barrier(request)` helper): block the caller until the node's
// applied index has caught up with the cluster's last committed index at
// the time of the call.
type Barrier struct {
	done chan struct{}
	err  error
}

func newBarrier() *Barrier {
	return &Barrier{done: make(chan struct{})}
}

// Wait blocks until the barrier resolves.
func (b *Barrier) Wait() error {
	<-b.done
	return b.err
}

func (b *Barrier) complete(err error) {
	b.err = err
	close(b.done)
}

// Raft is the narrow slice of *hashicorp/raft.Raft the loop needs for its
// own barrier helper, independent of the one replication.Hook declares
// (package leader does not import package replication, and vice versa).
type Raft interface {
	Barrier(timeout time.Duration) raft.BarrierFuture
	LastIndex() uint64
	AppliedIndex() uint64
}

// Loop is the per-connection execution loop: spec.md section 4.5's "loop
// fiber", realized as a long-lived goroutine that receives and runs data
// Requests and Barriers in submission order, plus a second one for
// control Requests.
//
// Data-slot requests (Exec) and control-slot requests (ExecControl) are
// dispatched on two independent channels, each drained by its own
// goroutine, so a control request never waits behind a data request that
// is mid-flight — spec.md section 4.6: "A control request may be served
// concurrently with a data request."
type Loop struct {
	raft       Raft
	log        *logging.Logger
	requests   chan *Request
	control    chan *Request
	barriers   chan *Barrier
	quit       chan struct{}
	stopped    chan struct{}
	ctlStopped chan struct{}
}

// Init creates the loop in a ready (but idle, blocked-on-receive) state
// and starts its goroutines. This corresponds to spec.md section 4.5 step
// 1: the loop fiber is created, does nothing yet, and "announces" it is
// ready by simply sitting parked on its request channel.
func Init(raft Raft, log *logging.Logger) *Loop {
	l := &Loop{
		raft:       raft,
		log:        log,
		requests:   make(chan *Request),
		control:    make(chan *Request),
		barriers:   make(chan *Barrier),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		ctlStopped: make(chan struct{}),
	}
	go l.run()
	go l.runControl()
	return l
}

func (l *Loop) run() {
	defer close(l.stopped)
	for {
		select {
		case req := <-l.requests:
			err := req.Exec()
			req.complete(err)
		case b := <-l.barriers:
			b.complete(l.doBarrier())
		case <-l.quit:
			return
		}
	}
}

// runControl drives the control-slot channel on its own goroutine,
// independent of run's data/barrier channel, so slot 1 work (heartbeat,
// interrupt) is never stuck behind a blocked slot 0 request.
func (l *Loop) runControl() {
	defer close(l.ctlStopped)
	for {
		select {
		case req := <-l.control:
			err := req.Exec()
			req.complete(err)
		case <-l.quit:
			return
		}
	}
}

// Exec submits req to the loop's data path and returns immediately; the
// caller uses req.Wait to observe completion (spec.md section 4.5 steps
// 2-5). Data-slot requests run strictly serially with each other and
// with Barrier.
func (l *Loop) Exec(req *Request) {
	select {
	case l.requests <- req:
	case <-l.quit:
		req.complete(dqliteerr.New(dqliteerr.NotLeader, "leader loop is shutting down"))
	}
}

// ExecControl submits req on the control path (spec.md section 4.6's slot
// 1), run by a goroutine independent of Exec/Barrier so it can proceed
// while a data-slot request is still in flight.
func (l *Loop) ExecControl(req *Request) {
	select {
	case l.control <- req:
	case <-l.quit:
		req.complete(dqliteerr.New(dqliteerr.NotLeader, "leader loop is shutting down"))
	}
}

// Barrier submits a barrier request and blocks until it resolves.
func (l *Loop) Barrier() error {
	b := newBarrier()
	select {
	case l.barriers <- b:
	case <-l.quit:
		return dqliteerr.New(dqliteerr.NotLeader, "leader loop is shutting down")
	}
	return b.Wait()
}

func (l *Loop) doBarrier() error {
	if l.raft.AppliedIndex() >= l.raft.LastIndex() {
		return nil
	}
	future := l.raft.Barrier(30 * time.Second)
	if err := future.Error(); err != nil {
		return dqliteerr.Wrap(dqliteerr.ConsensusFailed, err, "raft barrier")
	}
	return nil
}

// Close shuts down the loop. Per spec.md section 4.5 step 6 ("the loop
// fiber is deleted only after the main fiber has observed its idle
// state"), Close only returns once both run goroutines have actually
// exited, so the caller never races a concurrently in-flight Exec,
// ExecControl, or Barrier.
func (l *Loop) Close() {
	close(l.quit)
	<-l.stopped
	<-l.ctlStopped
}
