// Package conn implements the connection and worker-progress engine: a
// single-threaded event loop over one provider worker that drives
// connection establishment, tagged data transfer, in-band control messages
// and disconnection. All state belongs to the thread calling Progress; the
// engine spawns no goroutines and takes no locks.
package conn

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/webitel/conn-runtime/internal/provider"
)

// Config carries the engine's tunables.
type Config struct {
	// ConnectTimeout bounds handshake completion on both sides and the
	// time an unaccepted inbound connection request may sit queued.
	ConnectTimeout time.Duration

	// IOMsgBufSize is the capacity of the control-message receive buffer.
	IOMsgBufSize int
}

const (
	defaultConnectTimeout = 30 * time.Second
	defaultIOMsgBufSize   = 4096
)

// RequestInit is the per-request hook handed to the provider at context
// initialization, run on every request allocation.
func RequestInit(req *provider.Request) {
	req.ResetRuntimeState()
}

type pendingAccept struct {
	cr provider.ConnRequest
	at time.Time
}

// Engine owns one provider worker and every connection living on it.
type Engine struct {
	log     *slog.Logger
	worker  provider.Worker
	handler Handler

	listener       provider.Listener
	connectTimeout time.Duration

	byID           map[uint32]*Conn
	handshaking    []*Conn // deadline order == append order: the timeout is a constant
	pendingAccepts []pendingAccept
	failed         []*Conn
	disconnecting  []*Conn

	iomsgBuf []byte
	iomsgReq *provider.Request

	nextID uint32
	tick   uint64
	closed bool
}

// New builds an engine over a worker and posts the long-lived control
// receive. The handler may be nil, in which case all hooks are no-ops.
func New(w provider.Worker, h Handler, cfg Config, log *slog.Logger) *Engine {
	if h == nil {
		h = NopHandler{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.IOMsgBufSize <= 0 {
		cfg.IOMsgBufSize = defaultIOMsgBufSize
	}
	e := &Engine{
		log:            log,
		worker:         w,
		handler:        h,
		connectTimeout: cfg.ConnectTimeout,
		byID:           make(map[uint32]*Conn),
		iomsgBuf:       make([]byte, cfg.IOMsgBufSize),
	}
	e.postIOMsgRecv()
	return e
}

// Listen starts accepting inbound connections on addr. Requests queue up
// and are accepted (or rejected as stale) during Progress.
func (e *Engine) Listen(addr string) error {
	if e.listener != nil {
		return fmt.Errorf("conn: already listening on %s", e.listener.Addr())
	}
	l, err := e.worker.ListenerCreate(addr, func(cr provider.ConnRequest) {
		e.pendingAccepts = append(e.pendingAccepts, pendingAccept{cr: cr, at: cr.Arrived()})
	})
	if err != nil {
		return fmt.Errorf("conn: listen %s: %w", addr, err)
	}
	e.listener = l
	e.log.Info("listening", "addr", l.Addr())
	return nil
}

// ListenerAddr returns the bound listen address, empty when not listening.
// Useful when Listen was given an ephemeral port.
func (e *Engine) ListenerAddr() string {
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr()
}

// Connect starts a client-side connection to addr. establishCB fires
// exactly once, with OK after the handshake or with the failure kind.
func (e *Engine) Connect(addr string, establishCB func(st Status)) *Conn {
	c := e.newConn(addr)
	c.establishCB = establishCB
	ep, st := e.worker.EpCreate(provider.EpParams{
		Addr:       addr,
		ErrHandler: c.epErrHandler(),
	})
	return e.wireEndpoint(c, ep, st)
}

// Accept takes ownership of an inbound connection request. establishCB
// follows the same exactly-once contract as Connect's.
func (e *Engine) Accept(cr provider.ConnRequest, establishCB func(st Status)) *Conn {
	c := e.newConn(cr.RemoteAddr())
	c.establishCB = establishCB
	ep, st := e.worker.EpCreate(provider.EpParams{
		ConnRequest: cr,
		ErrHandler:  c.epErrHandler(),
	})
	return e.wireEndpoint(c, ep, st)
}

// wireEndpoint finishes Connect/Accept: on endpoint creation failure the
// connection is born Errored and the establishment callback has already
// fired by the time the caller gets it back.
func (e *Engine) wireEndpoint(c *Conn, ep provider.Ep, st Status) *Conn {
	if st != OK {
		c.establishFail(st)
		return c
	}
	c.ep = ep
	if c.status.IsError() {
		// The error handler already fired during creation.
		c.establishFail(c.status)
		return c
	}
	c.startHandshake()
	return c
}

func (e *Engine) newConn(remoteAddr string) *Conn {
	e.nextID++
	if e.nextID == 0 {
		e.nextID = 1
	}
	c := &Conn{
		eng:    e,
		id:     e.nextID,
		state:  StateInit,
		status: InProgress,
		prefix: fmt.Sprintf("#%d %s", e.nextID, remoteAddr),
	}
	e.byID[c.id] = c
	return c
}

// epErrHandler builds the provider error callback bound to c.
func (c *Conn) epErrHandler() provider.ErrHandler {
	return func(_ provider.Ep, st provider.Status) {
		c.onEpError(st)
	}
}

// Lookup returns the live connection with the given id.
func (e *Engine) Lookup(id uint32) (*Conn, bool) {
	c, ok := e.byID[id]
	return c, ok
}

// removeConnection drops id from the registry; absent ids are a no-op.
func (e *Engine) removeConnection(id uint32) {
	delete(e.byID, id)
}

// Progress runs one engine tick: provider poll, control-message drain,
// handshake timeout expiry, inbound request processing, failed-connection
// dispatch, disconnect reaping. All observable completion happens here.
func (e *Engine) Progress() {
	e.tick++
	e.worker.Progress()
	e.progressIOMsg()
	e.progressTimedOut()
	e.processPendingAccepts()
	e.dispatchFailed()
	e.reapDisconnecting()
}

// postIOMsgRecv arms the singleton control receive. Exactly one is
// outstanding from engine construction to Close.
func (e *Engine) postIOMsgRecv() {
	req, st := e.worker.TagRecvNB(e.iomsgBuf, IOMsgTagMatch, IOMsgTagMask, e.onComplete)
	if req == nil {
		// Receives always materialize a request; a bare error here means
		// the worker is unusable.
		panic(fmt.Sprintf("conn: posting control receive failed: %s", st))
	}
	e.iomsgReq = req
}

// progressIOMsg dispatches at most one completed control message per tick.
// A message for a connection still mid-handshake stays parked in its
// completed request and is re-examined next tick; if that connection is
// gone by then the message is dropped when the receive is re-posted.
func (e *Engine) progressIOMsg() {
	req := e.iomsgReq
	if req == nil || !req.Completed {
		return
	}
	if req.Status != OK {
		// Cancelled at teardown, or the transport failed under the
		// receive. Either way this request is spent.
		e.worker.RequestFree(req)
		e.iomsgReq = nil
		if !e.closed {
			e.postIOMsgRecv()
		}
		return
	}
	id := TagConnID(req.SenderTag)
	c, ok := e.byID[id]
	if ok && !c.Established() {
		return
	}
	n := req.RecvLen
	e.worker.RequestFree(req)
	e.iomsgReq = nil
	if !ok {
		e.log.Warn("control message for unknown connection, dropping", "conn_id", id, "len", n)
	} else {
		e.handler.OnIOMsg(c, e.iomsgBuf, n)
	}
	if !e.closed {
		e.postIOMsgRecv()
	}
}

// progressTimedOut expires handshakes whose deadline passed. Entries that
// already left Handshaking are dropped lazily on the way.
func (e *Engine) progressTimedOut() {
	now := time.Now()
	for len(e.handshaking) > 0 {
		c := e.handshaking[0]
		if c.state == StateHandshaking && now.Before(c.deadline) {
			break
		}
		e.handshaking = e.handshaking[1:]
		if c.state != StateHandshaking {
			continue
		}
		e.log.Debug("handshake timed out", "conn", c.prefix)
		c.establishFail(TimedOut)
	}
}

// processPendingAccepts accepts queued inbound requests, rejecting any
// that sat unaccepted longer than the connect timeout.
func (e *Engine) processPendingAccepts() {
	for len(e.pendingAccepts) > 0 {
		pa := e.pendingAccepts[0]
		e.pendingAccepts = e.pendingAccepts[1:]
		if time.Since(pa.at) > e.connectTimeout {
			e.log.Warn("rejecting stale connection request", "remote", pa.cr.RemoteAddr())
			pa.cr.Reject()
			continue
		}
		e.acceptPending(pa.cr)
	}
}

// acceptPending accepts one queued request on the engine's own behalf: the
// OnAccepted hook stands in for a user establishment callback.
func (e *Engine) acceptPending(cr provider.ConnRequest) {
	c := e.newConn(cr.RemoteAddr())
	c.establishCB = func(st Status) {
		if st != OK {
			e.log.Warn("inbound connection failed to establish", "conn", c.prefix, "status", st.String())
			return
		}
		e.handler.OnAccepted(c)
	}
	ep, st := e.worker.EpCreate(provider.EpParams{
		ConnRequest: cr,
		ErrHandler:  c.epErrHandler(),
	})
	e.wireEndpoint(c, ep, st)
}

// dispatchFailed runs the user error hook for connections whose endpoint
// failed post-establishment. Deferred to the tick so the hook never runs
// from inside a provider callback. A connection the user already started
// disconnecting is skipped.
func (e *Engine) dispatchFailed() {
	failed := e.failed
	e.failed = nil
	for _, c := range failed {
		if c.state != StateErrored {
			continue
		}
		e.log.Debug("connection failed", "conn", c.prefix, "status", c.status.String())
		e.handler.OnError(c)
	}
}

// reapDisconnecting releases drained connections whose endpoint close
// finalized. Reaping waits one full tick past enqueue so every callback of
// the dying connection has observably run first.
func (e *Engine) reapDisconnecting() {
	// Swap the queue out first: disconnect callbacks may enqueue further
	// connections, which then wait for the next tick.
	pending := e.disconnecting
	e.disconnecting = nil
	var keep []*Conn
	for _, c := range pending {
		if e.tick <= c.reapTick || !c.closeDone() {
			keep = append(keep, c)
			continue
		}
		e.destroy(c)
	}
	e.disconnecting = append(keep, e.disconnecting...)
}

func (e *Engine) destroy(c *Conn) {
	if !c.outstanding.empty() {
		panic(fmt.Sprintf("conn: %s destroyed with %d outstanding requests", c.prefix, c.outstanding.len()))
	}
	e.removeConnection(c.id)
	c.state = StateReleased
	c.fireDisconnect(OK)
}

// Close tears the engine down: every live connection is force-disconnected
// and the control receive is cancelled. The caller keeps ticking Progress
// until Stats reports no connections left.
func (e *Engine) Close() {
	if e.closed {
		return
	}
	e.closed = true
	for _, c := range e.byID {
		switch c.state {
		case StateDisconnecting, StateReleased:
		case StateInit, StateHandshaking:
			// The establishment callback still owes its one invocation.
			c.establishFail(Cancelled)
		default:
			c.startDisconnect()
		}
	}
	if e.iomsgReq != nil && !e.iomsgReq.Completed {
		e.worker.RequestCancel(e.iomsgReq)
	}
	if e.listener != nil {
		e.listener.Destroy()
		e.listener = nil
	}
}

// Stats is a point-in-time snapshot of engine occupancy.
type Stats struct {
	Conns          int
	Handshaking    int
	PendingAccepts int
	Failed         int
	Disconnecting  int
	Tick           uint64
}

func (e *Engine) Stats() Stats {
	return Stats{
		Conns:          len(e.byID),
		Handshaking:    len(e.handshaking),
		PendingAccepts: len(e.pendingAccepts),
		Failed:         len(e.failed),
		Disconnecting:  len(e.disconnecting),
		Tick:           e.tick,
	}
}
