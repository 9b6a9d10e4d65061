package registry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/lxc/dqlited/internal/dqliteerr"
	"github.com/lxc/dqlited/leader"
	"github.com/lxc/dqlited/replication"
)

// Slot indices for the two-slot gateway policy of spec.md section 4.6.
const (
	SlotData    = 0
	SlotControl = 1

	slotCount = 2
)

// Writer is the subset of replication.Hook a connection needs to enforce
// spec.md section 4.4's single-writer-per-database invariant
// (begin(conn)/end(conn)) around its own data-slot requests.
type Writer interface {
	Begin(database string, conn replication.ConnHandle) error
	End(database string, conn replication.ConnHandle)
}

// Connection is a single leader connection record (spec.md section 3): an
// opaque handle the gateway above this module addresses by ID, owning one
// leader.Loop goroutine for its lifetime (SPEC_FULL.md section 5).
type Connection struct {
	ID       uuid.UUID
	Database string
	Loop     *leader.Loop

	writer Writer

	mu    sync.Mutex
	slots [slotCount]*leader.Request
}

func newConnection(database string, loop *leader.Loop, writer Writer) *Connection {
	return &Connection{
		ID:       uuid.New(),
		Database: database,
		Loop:     loop,
		writer:   writer,
	}
}

// ConnID implements replication.ConnHandle, used as a log field and as
// the writer-slot identity the replication hook's begin/end track.
func (c *Connection) ConnID() string {
	return c.ID.String()
}

// TrySubmit implements the two-slot gateway policy (SPEC_FULL.md section
// 4.6.1): slot 0 carries data operations (prepare/exec/query/finalize),
// slot 1 carries control operations (heartbeat/interrupt). A second
// data-slot submission while slot 0 is still in flight is rejected with
// ProtocolViolation; a control request runs on the loop's independent
// control path (leader.Loop.ExecControl) so it is served concurrently
// with a data request, per spec.md section 4.6.
//
// Every data-slot request is wrapped in the writer-slot begin/end pair
// (spec.md section 4.4, testable property 6: "at most one writer per
// database at any instant"). This package cannot distinguish a read-only
// query from a write at this layer, so it conservatively guards every
// data-slot request rather than only writes — exactly the serialization
// scenario S3 describes ("the second observes SQLITE_BUSY from begin,
// retries after end of the first").
func (c *Connection) TrySubmit(slot int, req *leader.Request) error {
	if slot != SlotData && slot != SlotControl {
		return dqliteerr.New(dqliteerr.ProtocolViolation, "invalid gateway slot %d", slot)
	}

	c.mu.Lock()
	if c.slots[slot] != nil {
		c.mu.Unlock()
		return dqliteerr.New(dqliteerr.ProtocolViolation, "slot %d already has an in-flight request", slot)
	}
	c.slots[slot] = req
	c.mu.Unlock()

	if slot == SlotData {
		if err := c.writer.Begin(c.Database, c); err != nil {
			c.mu.Lock()
			c.slots[slot] = nil
			c.mu.Unlock()
			return err
		}
		inner := req.Exec
		req.Exec = func() error {
			err := inner()
			c.writer.End(c.Database, c)
			return err
		}
	}

	if slot == SlotControl {
		c.Loop.ExecControl(req)
	} else {
		c.Loop.Exec(req)
	}

	go func() {
		req.Wait()
		c.mu.Lock()
		if c.slots[slot] == req {
			c.slots[slot] = nil
		}
		c.mu.Unlock()
	}()

	return nil
}

// Interrupt cancels the connection's in-flight data-slot request (spec.md
// section 5, scenario S6): the slot is cleared immediately so the next
// client request can reuse it, without waiting for the request's Exec to
// actually return. If finalize is true, the request's Finalize callback
// runs. Interrupt never touches a Raft entry the request may already have
// submitted — it commits or fails on its own schedule (the writer-slot
// End wrapped around Exec in TrySubmit still runs whenever Exec actually
// returns); the connection simply stops watching this request.
func (c *Connection) Interrupt(finalize bool) {
	c.mu.Lock()
	req := c.slots[SlotData]
	if req == nil {
		c.mu.Unlock()
		return
	}
	c.slots[SlotData] = nil
	c.mu.Unlock()

	req.Interrupt(finalize)
}

func (c *Connection) slotBusy(slot int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[slot] != nil
}
