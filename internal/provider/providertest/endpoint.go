package providertest

import (
	"github.com/webitel/conn-runtime/internal/provider"
)

// Endpoint implements provider.Ep over the fabric. peer is nil until the
// accept side materializes; traffic sent before that is parked in
// pendingOut and flushed on pairing, preserving submission order across
// the tagged and stream channels.
type Endpoint struct {
	worker     *Worker
	peer       *Endpoint
	errHandler provider.ErrHandler
	remoteAddr string

	pendingOut []func()

	streamBuf   []byte
	streamRecvs []*streamRecv

	closed bool
	failed bool
}

// send routes one delivery thunk: run immediately when paired, parked
// otherwise.
func (ep *Endpoint) send(deliver func()) {
	if ep.peer != nil {
		deliver()
		return
	}
	ep.pendingOut = append(ep.pendingOut, deliver)
}

func (ep *Endpoint) TagSendNB(buf []byte, tag uint64, cb provider.Callback) (*provider.Request, provider.Status) {
	if ep.closed || ep.failed {
		return nil, provider.EndpointFailed
	}
	payload := append([]byte(nil), buf...)
	deliver := func() {
		peer := ep.peer
		peer.worker.enqueue(func() { peer.worker.deliverTagged(message{tag: tag, payload: payload}) })
	}
	if len(buf) <= ep.worker.ctx.fabric.InlineSendMax {
		ep.send(deliver)
		return nil, provider.OK
	}
	req := ep.worker.alloc(cb)
	ep.send(func() {
		deliver()
		if ep.worker.ctx.fabric.HoldAsyncSends {
			return
		}
		w := ep.worker
		w.enqueue(func() { w.complete(req, provider.OK) })
	})
	return req, provider.InProgress
}

func (ep *Endpoint) StreamSendNB(buf []byte, cb provider.Callback) (*provider.Request, provider.Status) {
	if ep.closed || ep.failed {
		return nil, provider.EndpointFailed
	}
	payload := append([]byte(nil), buf...)
	deliver := func() {
		peer := ep.peer
		peer.worker.enqueue(func() { peer.deliverStream(payload) })
	}
	if len(buf) <= ep.worker.ctx.fabric.InlineSendMax {
		ep.send(deliver)
		return nil, provider.OK
	}
	req := ep.worker.alloc(cb)
	ep.send(func() {
		deliver()
		w := ep.worker
		w.enqueue(func() { w.complete(req, provider.OK) })
	})
	return req, provider.InProgress
}

// StreamRecvNB has wait-all semantics: the request completes only once
// len(buf) bytes arrived. Enough buffered bytes complete it during this
// very call.
func (ep *Endpoint) StreamRecvNB(buf []byte, cb provider.Callback) (*provider.Request, provider.Status) {
	if ep.failed {
		return nil, provider.EndpointFailed
	}
	req := ep.worker.alloc(cb)
	sr := &streamRecv{req: req, buf: buf}
	ep.streamRecvs = append(ep.streamRecvs, sr)
	ep.drainStream()
	return req, provider.InProgress
}

// deliverStream runs on the owning worker's thread.
func (ep *Endpoint) deliverStream(payload []byte) {
	ep.streamBuf = append(ep.streamBuf, payload...)
	ep.drainStream()
}

func (ep *Endpoint) drainStream() {
	for len(ep.streamRecvs) > 0 {
		sr := ep.streamRecvs[0]
		n := copy(sr.buf[sr.filled:], ep.streamBuf)
		sr.filled += n
		ep.streamBuf = ep.streamBuf[n:]
		if sr.filled < len(sr.buf) {
			return
		}
		ep.streamRecvs = ep.streamRecvs[1:]
		sr.req.RecvLen = sr.filled
		ep.worker.complete(sr.req, provider.OK)
	}
}

func (ep *Endpoint) CloseNB(mode provider.CloseMode) (*provider.Request, provider.Status) {
	if ep.closed {
		return nil, provider.OK
	}
	ep.closed = true
	if peer := ep.peer; peer != nil {
		peer.worker.enqueue(func() { peer.fail(provider.PeerClosed) })
	}
	if !ep.worker.ctx.fabric.AsyncClose {
		return nil, provider.OK
	}
	req := ep.worker.alloc(nil)
	w := ep.worker
	w.enqueue(func() { w.complete(req, provider.OK) })
	return req, provider.InProgress
}

// fail marks the endpoint dead, reports it through the error handler and
// fails any outstanding stream receives. Runs on the owning worker's
// thread; duplicate failures collapse.
func (ep *Endpoint) fail(st provider.Status) {
	if ep.failed || ep.closed {
		return
	}
	ep.failed = true
	for _, sr := range ep.streamRecvs {
		ep.worker.complete(sr.req, st)
	}
	ep.streamRecvs = nil
	if ep.errHandler != nil {
		ep.errHandler(ep, st)
	}
}

// Fail injects an endpoint failure, observed on the owner's next
// Progress. Test-only.
func (ep *Endpoint) Fail(st provider.Status) {
	ep.worker.enqueue(func() { ep.fail(st) })
}

// InjectStream delivers raw stream bytes to this endpoint on its owner's
// next Progress. Test-only.
func (ep *Endpoint) InjectStream(payload []byte) {
	p := append([]byte(nil), payload...)
	ep.worker.enqueue(func() { ep.deliverStream(p) })
}

// Peer returns the paired endpoint, nil before pairing. Test-only.
func (ep *Endpoint) Peer() *Endpoint { return ep.peer }
