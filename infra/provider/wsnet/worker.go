package wsnet

import (
	"sync"

	"github.com/webitel/conn-runtime/internal/provider"
)

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

type inMsg struct {
	tag     uint64
	payload []byte
}

type reqState struct {
	done bool
	cb   provider.Callback
}

// Worker implements provider.Worker. Submissions and Progress run on the
// runtime's thread; network goroutines reach the worker exclusively by
// appending events, which Progress executes in arrival order.
type Worker struct {
	ctx *Context

	evmu   sync.Mutex
	events []func()

	posted     []*postedRecv
	unexpected []inMsg
	reqs       map[*provider.Request]*reqState
	pool       sync.Pool

	endpoints []*Endpoint
	listeners []*Listener
	destroyed bool
}

func newWorker(ctx *Context) *Worker {
	return &Worker{
		ctx:  ctx,
		reqs: make(map[*provider.Request]*reqState),
		pool: sync.Pool{New: func() any { return &provider.Request{} }},
	}
}

func (w *Worker) enqueue(fn func()) {
	w.evmu.Lock()
	w.events = append(w.events, fn)
	w.evmu.Unlock()
}

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
	req := w.pool.Get().(*provider.Request)
	w.ctx.params.RequestInit(req)
	w.reqs[req] = &reqState{cb: cb}
	return req
}

// complete runs the request's hook exactly once; stale events referring to
// an already finished request fall through.
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
	w.pool.Put(req)
}

func (w *Worker) Destroy() {
	if w.destroyed {
		return
	}
	w.destroyed = true
	for _, l := range w.listeners {
		l.Destroy()
	}
	for _, ep := range w.endpoints {
		ep.shutdown()
	}
}

// TagRecvNB posts a tagged receive; a match against already-arrived
// unexpected traffic completes during this call, through the hook.
func (w *Worker) TagRecvNB(buf []byte, tag, mask uint64, cb provider.Callback) (*provider.Request, provider.Status) {
	req := w.alloc(cb)
	for i, m := range w.unexpected {
		if m.tag&mask == tag&mask {
			w.unexpected = append(w.unexpected[:i], w.unexpected[i+1:]...)
			req.RecvLen = copy(buf, m.payload)
			req.SenderTag = m.tag
			w.complete(req, provider.OK)
			return req, provider.InProgress
		}
	}
	w.posted = append(w.posted, &postedRecv{req: req, buf: buf, tag: tag, mask: mask})
	return req, provider.InProgress
}

// deliverTagged runs on the progress thread when a tagged frame arrived.
func (w *Worker) deliverTagged(tag uint64, payload []byte) {
	for i, p := range w.posted {
		if tag&p.mask == p.tag&p.mask {
			w.posted = append(w.posted[:i], w.posted[i+1:]...)
			p.req.RecvLen = copy(p.buf, payload)
			p.req.SenderTag = tag
			w.complete(p.req, provider.OK)
			return
		}
	}
	w.unexpected = append(w.unexpected, inMsg{tag: tag, payload: payload})
}

func (w *Worker) EpCreate(p provider.EpParams) (provider.Ep, provider.Status) {
	switch {
	case p.ConnRequest != nil:
		cr, ok := p.ConnRequest.(*ConnRequest)
		if !ok || !cr.take() {
			return nil, provider.BadAddress
		}
		ep := newEndpoint(w, cr.remoteAddr, p.ErrHandler)
		w.endpoints = append(w.endpoints, ep)
		ep.attach(cr.ws)
		return ep, provider.OK

	case p.Addr != "":
		ep := newEndpoint(w, p.Addr, p.ErrHandler)
		w.endpoints = append(w.endpoints, ep)
		go ep.dial(p.Addr)
		return ep, provider.OK
	}
	return nil, provider.BadAddress
}
