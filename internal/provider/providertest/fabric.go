// Package providertest is an in-memory provider used by the runtime tests:
// workers pair up over a process-local fabric with deterministic,
// progress-driven delivery. It reproduces the full submission contract --
// inline send completion under a size threshold, completion hooks invoked
// from inside the submission call when a receive matches already-arrived
// data, asynchronous cancellation -- and offers error-injection handles no
// real transport would expose.
package providertest

import (
	"fmt"
	"sync"
	"time"

	"github.com/webitel/conn-runtime/internal/provider"
)

// Fabric connects the workers of one test. All knobs must be set before
// traffic starts.
type Fabric struct {
	mu        sync.Mutex
	listeners map[string]*Listener

	// InlineSendMax is the largest payload a send completes synchronously;
	// bigger sends return a request that completes on a later tick.
	InlineSendMax int

	// AsyncClose makes endpoint close return a pollable request instead of
	// finishing inline.
	AsyncClose bool

	// HoldAsyncSends keeps request-backed tagged sends in flight
	// indefinitely: they deliver but only complete through cancellation.
	// Request-backed stream sends still complete on a later tick.
	HoldAsyncSends bool

	blackholes map[string]bool
}

func NewFabric() *Fabric {
	return &Fabric{
		listeners:     make(map[string]*Listener),
		blackholes:    make(map[string]bool),
		InlineSendMax: 1024,
		AsyncClose:    true,
	}
}

// Blackhole makes dials to addr vanish: the endpoint comes up but no peer
// ever answers, so handshakes sit until they time out.
func (f *Fabric) Blackhole(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blackholes[addr] = true
}

// ContextInit builds a provider context over the fabric.
func (f *Fabric) ContextInit(p provider.ContextParams) (provider.Context, error) {
	const required = provider.FeatureTag | provider.FeatureStream
	if p.Features&required != required {
		return nil, fmt.Errorf("providertest: tag and stream features are required")
	}
	if p.RequestInit == nil {
		return nil, fmt.Errorf("providertest: request init hook is required")
	}
	return &Context{fabric: f, params: p}, nil
}

// Context implements provider.Context.
type Context struct {
	fabric *Fabric
	params provider.ContextParams
}

func (c *Context) Query() provider.ContextAttr {
	return provider.ContextAttr{Features: provider.FeatureTag | provider.FeatureStream}
}

func (c *Context) WorkerCreate() (provider.Worker, error) {
	return newWorker(c), nil
}

func (c *Context) Cleanup() {}

type message struct {
	tag     uint64
	payload []byte
}

type postedRecv struct {
	req  *provider.Request
	buf  []byte
	tag  uint64
	mask uint64
}

type streamRecv struct {
	req    *provider.Request
	buf    []byte
	filled int
}

type reqState struct {
	done bool
	cb   provider.Callback
}

// Worker implements provider.Worker. Cross-worker traffic arrives as
// queued events and is only acted upon inside Progress, on the caller's
// thread -- the same single-threaded discipline a real provider keeps.
type Worker struct {
	ctx *Context

	evmu   sync.Mutex
	events []func()

	posted     []*postedRecv
	unexpected []message
	reqs       map[*provider.Request]*reqState
	endpoints  []*Endpoint
	listeners  []*Listener
	destroyed  bool
}

func newWorker(ctx *Context) *Worker {
	return &Worker{
		ctx:  ctx,
		reqs: make(map[*provider.Request]*reqState),
	}
}

// enqueue schedules fn to run on this worker's next Progress.
func (w *Worker) enqueue(fn func()) {
	w.evmu.Lock()
	w.events = append(w.events, fn)
	w.evmu.Unlock()
}

// Progress drains the event queue once.
func (w *Worker) Progress() int {
	w.evmu.Lock()
	events := w.events
	w.events = nil
	w.evmu.Unlock()
	for _, fn := range events {
		fn()
	}
	return len(events)
}

func (w *Worker) alloc(cb provider.Callback) *provider.Request {
	req := &provider.Request{}
	w.ctx.params.RequestInit(req)
	w.reqs[req] = &reqState{cb: cb}
	return req
}

// complete invokes the request's hook exactly once. Safe to call from a
// stale event after the request already finished.
func (w *Worker) complete(req *provider.Request, st provider.Status) {
	s, ok := w.reqs[req]
	if !ok || s.done {
		return
	}
	s.done = true
	req.Status = st
	if s.cb != nil {
		s.cb(req, st)
	}
}

func (w *Worker) RequestStatus(req *provider.Request) provider.Status {
	if s, ok := w.reqs[req]; ok && !s.done {
		return provider.InProgress
	}
	return req.Status
}

func (w *Worker) RequestCancel(req *provider.Request) {
	w.enqueue(func() {
		for i, p := range w.posted {
			if p.req == req {
				w.posted = append(w.posted[:i], w.posted[i+1:]...)
				break
			}
		}
		for _, ep := range w.endpoints {
			for i, sr := range ep.streamRecvs {
				if sr.req == req {
					ep.streamRecvs = append(ep.streamRecvs[:i], ep.streamRecvs[i+1:]...)
					break
				}
			}
		}
		w.complete(req, provider.Cancelled)
	})
}

func (w *Worker) RequestFree(req *provider.Request) {
	delete(w.reqs, req)
}

func (w *Worker) Destroy() {
	w.destroyed = true
	for _, l := range w.listeners {
		l.Destroy()
	}
}

// TagRecvNB posts a tagged receive. A match against the unexpected queue
// completes during this very call, through the hook.
func (w *Worker) TagRecvNB(buf []byte, tag, mask uint64, cb provider.Callback) (*provider.Request, provider.Status) {
	req := w.alloc(cb)
	for i, m := range w.unexpected {
		if m.tag&mask == tag&mask {
			w.unexpected = append(w.unexpected[:i], w.unexpected[i+1:]...)
			n := copy(buf, m.payload)
			req.RecvLen = n
			req.SenderTag = m.tag
			w.complete(req, provider.OK)
			return req, provider.InProgress
		}
	}
	w.posted = append(w.posted, &postedRecv{req: req, buf: buf, tag: tag, mask: mask})
	return req, provider.InProgress
}

// deliverTagged runs on the receiving worker's thread.
func (w *Worker) deliverTagged(m message) {
	for i, p := range w.posted {
		if m.tag&p.mask == p.tag&p.mask {
			w.posted = append(w.posted[:i], w.posted[i+1:]...)
			n := copy(p.buf, m.payload)
			p.req.RecvLen = n
			p.req.SenderTag = m.tag
			w.complete(p.req, provider.OK)
			return
		}
	}
	w.unexpected = append(w.unexpected, m)
}

// FailPostedRecvs completes every posted tagged receive whose tag the
// match function selects. Test-only error injection standing in for a
// transport failing its outstanding operations.
func (w *Worker) FailPostedRecvs(match func(tag uint64) bool, st provider.Status) {
	w.enqueue(func() {
		pending := w.posted
		w.posted = nil
		var keep []*postedRecv
		for _, p := range pending {
			if !match(p.tag) {
				keep = append(keep, p)
				continue
			}
			w.complete(p.req, st)
		}
		w.posted = append(keep, w.posted...)
	})
}

// Endpoints returns this worker's endpoints in creation order. Test-only.
func (w *Worker) Endpoints() []*Endpoint {
	return w.endpoints
}

// InjectTagged delivers a raw tagged message to this worker on its next
// Progress, bypassing any endpoint. Test-only.
func (w *Worker) InjectTagged(tag uint64, payload []byte) {
	p := append([]byte(nil), payload...)
	w.enqueue(func() { w.deliverTagged(message{tag: tag, payload: p}) })
}

func (w *Worker) ListenerCreate(addr string, h provider.ConnHandler) (provider.Listener, error) {
	f := w.ctx.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.listeners[addr]; ok {
		return nil, fmt.Errorf("providertest: address %s already in use", addr)
	}
	l := &Listener{fabric: f, worker: w, addr: addr, handler: h}
	f.listeners[addr] = l
	w.listeners = append(w.listeners, l)
	return l, nil
}

func (w *Worker) EpCreate(p provider.EpParams) (provider.Ep, provider.Status) {
	switch {
	case p.ConnRequest != nil:
		cr, ok := p.ConnRequest.(*ConnRequest)
		if !ok || cr.taken {
			return nil, provider.BadAddress
		}
		cr.taken = true
		ep := &Endpoint{worker: w, errHandler: p.ErrHandler, remoteAddr: cr.remoteAddr}
		w.endpoints = append(w.endpoints, ep)
		pair(ep, cr.dialer)
		return ep, provider.OK

	case p.Addr != "":
		ep := &Endpoint{worker: w, errHandler: p.ErrHandler, remoteAddr: p.Addr}
		w.endpoints = append(w.endpoints, ep)
		f := w.ctx.fabric
		f.mu.Lock()
		blackholed := f.blackholes[p.Addr]
		l := f.listeners[p.Addr]
		f.mu.Unlock()
		if blackholed {
			return ep, provider.OK
		}
		if l == nil {
			// Nobody listening: surface the failure asynchronously, the
			// way a transport reports an unreachable peer.
			w.enqueue(func() { ep.fail(provider.BadAddress) })
			return ep, provider.OK
		}
		cr := &ConnRequest{listener: l, dialer: ep, remoteAddr: "client:" + p.Addr, at: time.Now()}
		l.worker.enqueue(func() { l.handler(cr) })
		return ep, provider.OK
	}
	return nil, provider.BadAddress
}

// pair links an accepted endpoint with its dialer and flushes anything the
// dialer sent while unpaired.
func pair(accepted, dialer *Endpoint) {
	accepted.peer = dialer
	dialer.worker.enqueue(func() {
		if dialer.closed || dialer.failed {
			accepted.worker.enqueue(func() { accepted.fail(provider.PeerClosed) })
			return
		}
		dialer.peer = accepted
		for _, out := range dialer.pendingOut {
			out()
		}
		dialer.pendingOut = nil
	})
}

// Listener implements provider.Listener.
type Listener struct {
	fabric  *Fabric
	worker  *Worker
	addr    string
	handler provider.ConnHandler
	gone    bool
}

func (l *Listener) Addr() string { return l.addr }

func (l *Listener) Destroy() {
	if l.gone {
		return
	}
	l.gone = true
	l.fabric.mu.Lock()
	delete(l.fabric.listeners, l.addr)
	l.fabric.mu.Unlock()
}

// ConnRequest implements provider.ConnRequest.
type ConnRequest struct {
	listener   *Listener
	dialer     *Endpoint
	remoteAddr string
	at         time.Time
	taken      bool
}

func (cr *ConnRequest) RemoteAddr() string { return cr.remoteAddr }

func (cr *ConnRequest) Arrived() time.Time { return cr.at }

func (cr *ConnRequest) Reject() {
	if cr.taken {
		return
	}
	cr.taken = true
	dialer := cr.dialer
	dialer.worker.enqueue(func() { dialer.fail(provider.PeerClosed) })
}
