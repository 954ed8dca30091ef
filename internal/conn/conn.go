package conn

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/webitel/conn-runtime/internal/provider"
)

// State is the connection lifecycle position. Transitions happen only on
// the progress thread.
type State int32

const (
	StateInit State = iota
	StateHandshaking
	StateEstablished
	StateErrored
	StateDisconnecting
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateErrored:
		return "errored"
	case StateDisconnecting:
		return "disconnecting"
	case StateReleased:
		return "released"
	}
	return "unknown"
}

// Conn is one connection: an endpoint plus the requests in flight on it.
// The engine owns every Conn; user code keeps references only across the
// callbacks and API calls of the progress thread.
type Conn struct {
	eng *Engine

	id       uint32
	remoteID uint32

	ep     provider.Ep
	state  State
	status Status

	establishCB  func(st Status)
	disconnectCB func(st Status)

	closeReq    *provider.Request
	outstanding reqList

	// Handshake scratch. Both buffers must outlive the stream operations
	// posted during establishment.
	localIDBuf  [4]byte
	remoteIDBuf [4]byte
	deadline    time.Time

	// Queued into the engine's disconnecting FIFO, and the tick it
	// happened on; reaping waits for a strictly later tick.
	reaping  bool
	reapTick uint64

	iomsgSeq uint32
	prefix   string
}

// ID returns the process-local connection id. Nonzero for every Conn.
func (c *Conn) ID() uint32 { return c.id }

// RemoteID returns the peer's connection id, zero until Established.
func (c *Conn) RemoteID() uint32 { return c.remoteID }

// State returns the current lifecycle state.
func (c *Conn) State() State { return c.state }

// Status returns the sticky progress/error code.
func (c *Conn) Status() Status { return c.status }

// Established reports whether the handshake finished successfully.
func (c *Conn) Established() bool { return c.remoteID != 0 }

// Outstanding returns the number of requests in flight on this connection.
func (c *Conn) Outstanding() int { return c.outstanding.len() }

func (c *Conn) String() string { return c.prefix }

// SendData submits a tagged send carrying sequence number sn. The peer
// receives it by posting RecvData with the same sn. Returns false when the
// endpoint is gone or the connection is in a terminal error state.
func (c *Conn) SendData(buf []byte, sn uint32, cb Callback) bool {
	if !c.admits() {
		return false
	}
	req, st := c.ep.TagSendNB(buf, DataTag(c.remoteID, sn), c.eng.onComplete)
	c.finishSubmit(req, st, cb)
	return true
}

// RecvData posts a tagged receive for sequence number sn on this
// connection. Returns false when the endpoint is gone or the connection is
// in a terminal error state.
func (c *Conn) RecvData(buf []byte, sn uint32, cb Callback) bool {
	if !c.admits() {
		return false
	}
	req, st := c.eng.worker.TagRecvNB(buf, DataTag(c.id, sn), dataTagMask, c.eng.onComplete)
	c.finishSubmit(req, st, cb)
	return true
}

// SendIOMsg submits an in-band control message. The peer delivers it
// through its handler's OnIOMsg hook.
func (c *Conn) SendIOMsg(buf []byte, cb Callback) bool {
	if !c.admits() {
		return false
	}
	tag := IOMsgTag(c.remoteID, c.iomsgSeq)
	c.iomsgSeq++
	req, st := c.ep.TagSendNB(buf, tag, c.eng.onComplete)
	c.finishSubmit(req, st, cb)
	return true
}

// admits gates new submissions: none once the endpoint closed or a
// terminal error stuck.
func (c *Conn) admits() bool {
	return c.ep != nil && !c.status.IsError()
}

// Disconnect tears the connection down. Every outstanding request is
// cancelled and completes with Cancelled through its own callback; cb runs
// once afterwards, when the endpoint close finalizes on a later tick.
// Calling Disconnect twice on one connection is a programming error.
func (c *Conn) Disconnect(cb func(st Status)) {
	if c.state == StateDisconnecting || c.state == StateReleased {
		panic(fmt.Sprintf("conn: %s: disconnect called twice", c.prefix))
	}
	c.disconnectCB = cb
	if c.state == StateInit || c.state == StateHandshaking {
		// The establishment callback still owes its one invocation.
		c.establishFail(Cancelled)
		return
	}
	c.startDisconnect()
}

// startDisconnect cancels in-flight requests, kicks off the forced
// endpoint close, and hands the connection to the reaper once drained.
func (c *Conn) startDisconnect() {
	c.state = StateDisconnecting
	for req := c.outstanding.head; req != nil; req = req.Next {
		c.eng.worker.RequestCancel(req)
	}
	if c.ep != nil {
		req, st := c.ep.CloseNB(provider.CloseForce)
		c.ep = nil
		if st == InProgress {
			c.closeReq = req
		}
	}
	c.maybeFinishDrain()
}

// maybeFinishDrain queues the connection for reaping once the last
// outstanding request has completed.
func (c *Conn) maybeFinishDrain() {
	if c.state != StateDisconnecting || c.reaping || !c.outstanding.empty() {
		return
	}
	c.reaping = true
	c.reapTick = c.eng.tick
	c.eng.disconnecting = append(c.eng.disconnecting, c)
}

// closeDone reports whether the asynchronous endpoint close finalized.
func (c *Conn) closeDone() bool {
	if c.closeReq == nil {
		return true
	}
	if c.eng.worker.RequestStatus(c.closeReq) == InProgress {
		return false
	}
	c.eng.worker.RequestFree(c.closeReq)
	c.closeReq = nil
	return true
}

// fireEstablish invokes the one-shot establishment callback. The slot is
// cleared before the call so re-entrant paths cannot fire it twice.
func (c *Conn) fireEstablish(st Status) {
	cb := c.establishCB
	c.establishCB = nil
	if cb != nil {
		cb(st)
	}
}

// fireDisconnect invokes the one-shot disconnect callback, same discipline.
func (c *Conn) fireDisconnect(st Status) {
	cb := c.disconnectCB
	c.disconnectCB = nil
	if cb != nil {
		cb(st)
	}
}

// startHandshake posts the connection-id exchange: a wait-all 4-byte stream
// receive of the peer's id, then a fire-and-forget stream send of ours. The
// send has no observer; if it fails the endpoint error callback drives the
// usual failure path.
func (c *Conn) startHandshake() {
	c.state = StateHandshaking
	c.deadline = time.Now().Add(c.eng.connectTimeout)
	c.eng.handshaking = append(c.eng.handshaking, c)

	req, st := c.ep.StreamRecvNB(c.remoteIDBuf[:], c.eng.onComplete)
	c.finishSubmit(req, st, c.handshakeDone)

	binary.LittleEndian.PutUint32(c.localIDBuf[:], c.id)
	req, st = c.ep.StreamSendNB(c.localIDBuf[:], c.eng.onComplete)
	c.finishSubmit(req, st, nopCallback)
}

// handshakeDone completes the connection-id exchange. Errors arriving after
// the connection already left Handshaking (endpoint error, timeout, user
// disconnect) were handled there and are ignored here.
func (c *Conn) handshakeDone(st Status, _ int) {
	if c.state != StateHandshaking {
		return
	}
	if st != OK {
		c.establishFail(st)
		return
	}
	c.remoteID = binary.LittleEndian.Uint32(c.remoteIDBuf[:])
	c.state = StateEstablished
	c.status = OK
	c.eng.log.Debug("connection established", "conn", c.prefix, "remote_id", c.remoteID)
	c.fireEstablish(OK)
}

// establishFail moves a never-established connection to Errored, reports
// the failure through the establishment callback, and schedules teardown.
// The user never sees OnError for such a connection.
func (c *Conn) establishFail(st Status) {
	if !c.status.IsError() {
		c.status = st
	}
	c.state = StateErrored
	c.eng.log.Debug("connection failed before establishment", "conn", c.prefix, "status", st.String())
	c.fireEstablish(st)
	// No owner will ever disconnect a connection that never established;
	// reap it on the engine's own disconnect path.
	c.startDisconnect()
}

// onEpError is the endpoint error callback. Terminal errors are sticky and
// duplicate notifications are absorbed. For established connections the
// user hook is deferred to the next tick through the failed queue; the
// provider may be calling us from inside a submission.
func (c *Conn) onEpError(st Status) {
	if c.status.IsError() {
		return
	}
	switch c.state {
	case StateEstablished:
		c.status = st
		c.state = StateErrored
		c.eng.failed = append(c.eng.failed, c)
	case StateHandshaking:
		c.establishFail(st)
	default:
		// Already disconnecting or not yet wired; record and move on.
		c.status = st
	}
}
