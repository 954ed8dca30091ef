package wsnet

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/webitel/conn-runtime/internal/provider"
)

type outFrame struct {
	data []byte
	req  *provider.Request
}

// Endpoint implements provider.Ep over one websocket connection. The send
// queue absorbs submissions made before the dial finished; the write pump
// starts at attach time and drains it in order.
type Endpoint struct {
	w          *Worker
	id         uuid.UUID
	remoteAddr string
	errHandler provider.ErrHandler

	sendCh    chan outFrame
	stopCh    chan struct{}
	stopOnce  sync.Once
	writeDone chan struct{}

	// Progress-thread state.
	attached    bool
	streamBuf   []byte
	streamRecvs []*streamRecv
	closed      bool
	failed      bool
}

func newEndpoint(w *Worker, remoteAddr string, eh provider.ErrHandler) *Endpoint {
	return &Endpoint{
		w:          w,
		id:         uuid.New(),
		remoteAddr: remoteAddr,
		errHandler: eh,
		sendCh:     make(chan outFrame, w.ctx.sendQueue),
		stopCh:     make(chan struct{}),
		writeDone:  make(chan struct{}),
	}
}

// dial runs on its own goroutine; the outcome lands in the event queue.
func (ep *Endpoint) dial(addr string) {
	log := ep.w.ctx.log
	resolved, err := ep.w.ctx.resolveAddr(addr)
	if err != nil {
		log.Warn("address resolution failed", "ep", ep.id, "addr", addr, "error", err)
		ep.w.enqueue(func() { ep.fail(provider.BadAddress) })
		return
	}
	dialer := websocket.Dialer{HandshakeTimeout: ep.w.ctx.dialTimeout}
	url := "ws://" + resolved + ep.w.ctx.upgradePath
	log.Debug("dialing", "ep", ep.id, "url", url)
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		log.Debug("dial failed", "ep", ep.id, "url", url, "error", err)
		ep.w.enqueue(func() { ep.fail(mapNetErr(err)) })
		return
	}
	ep.w.enqueue(func() { ep.attach(ws) })
}

// attach adopts the live websocket connection and starts the pumps. Runs
// on the progress thread; an endpoint closed while the dial was in flight
// just drops the socket.
func (ep *Endpoint) attach(ws *websocket.Conn) {
	if ep.closed || ep.failed {
		_ = ws.Close()
		close(ep.writeDone)
		return
	}
	ep.attached = true
	go ep.writePump(ws)
	go ep.readPump(ws)
}

func (ep *Endpoint) writePump(ws *websocket.Conn) {
	defer close(ep.writeDone)
	defer ws.Close()
	for {
		select {
		case <-ep.stopCh:
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case f := <-ep.sendCh:
			err := ws.WriteMessage(websocket.BinaryMessage, f.data)
			if f.req != nil {
				req := f.req
				st := provider.OK
				if err != nil {
					st = mapNetErr(err)
				}
				ep.w.enqueue(func() { ep.w.complete(req, st) })
			}
			if err != nil {
				ep.w.enqueue(func() { ep.fail(mapNetErr(err)) })
				return
			}
		}
	}
}

func (ep *Endpoint) readPump(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-ep.stopCh:
				// Local close; the peer error is ours, not theirs.
			default:
				ep.w.enqueue(func() { ep.fail(mapNetErr(err)) })
			}
			return
		}
		ep.w.enqueue(func() { ep.handleFrame(data) })
	}
}

// handleFrame routes one inbound frame on the progress thread.
func (ep *Endpoint) handleFrame(data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		ep.w.ctx.log.Warn("dropping malformed frame", "ep", ep.id, "error", err)
		return
	}
	switch f.kind {
	case frameTagged:
		ep.w.deliverTagged(f.tag, f.payload)
	case frameStream:
		ep.streamBuf = append(ep.streamBuf, f.payload...)
		ep.drainStream()
	}
}

func (ep *Endpoint) TagSendNB(buf []byte, tag uint64, cb provider.Callback) (*provider.Request, provider.Status) {
	return ep.sendFrame(encodeTagged(tag, buf), len(buf), cb)
}

func (ep *Endpoint) StreamSendNB(buf []byte, cb provider.Callback) (*provider.Request, provider.Status) {
	return ep.sendFrame(encodeStream(buf), len(buf), cb)
}

func (ep *Endpoint) sendFrame(data []byte, payloadLen int, cb provider.Callback) (*provider.Request, provider.Status) {
	if ep.closed || ep.failed {
		return nil, provider.EndpointFailed
	}
	if payloadLen <= ep.w.ctx.inlineSendMax {
		select {
		case ep.sendCh <- outFrame{data: data}:
			return nil, provider.OK
		default:
			return nil, provider.OutOfResources
		}
	}
	req := ep.w.alloc(cb)
	select {
	case ep.sendCh <- outFrame{data: data, req: req}:
		return req, provider.InProgress
	default:
		ep.w.RequestFree(req)
		return nil, provider.OutOfResources
	}
}

// StreamRecvNB completes only once len(buf) bytes arrived on the stream
// channel; enough buffered bytes complete it during this call.
func (ep *Endpoint) StreamRecvNB(buf []byte, cb provider.Callback) (*provider.Request, provider.Status) {
	if ep.failed {
		return nil, provider.EndpointFailed
	}
	req := ep.w.alloc(cb)
	ep.streamRecvs = append(ep.streamRecvs, &streamRecv{req: req, buf: buf})
	ep.drainStream()
	return req, provider.InProgress
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
		ep.w.complete(sr.req, provider.OK)
	}
}

// CloseNB aborts the endpoint. Queued frames are dropped, the runtime has
// already cancelled whatever requests it cared about. The returned request
// finalizes once the write pump released the socket.
func (ep *Endpoint) CloseNB(provider.CloseMode) (*provider.Request, provider.Status) {
	if ep.closed {
		return nil, provider.OK
	}
	ep.closed = true
	ep.stop()
	req := ep.w.alloc(nil)
	if !ep.attached {
		w := ep.w
		w.enqueue(func() { w.complete(req, provider.OK) })
		return req, provider.InProgress
	}
	go func() {
		<-ep.writeDone
		ep.w.enqueue(func() { ep.w.complete(req, provider.OK) })
	}()
	return req, provider.InProgress
}

func (ep *Endpoint) stop() {
	ep.stopOnce.Do(func() { close(ep.stopCh) })
}

// shutdown is the worker-destroy path: tear the socket down without the
// close-request ceremony.
func (ep *Endpoint) shutdown() {
	ep.closed = true
	ep.stop()
}

// fail marks the endpoint dead and reports through the error handler.
// Progress thread only; duplicates collapse.
func (ep *Endpoint) fail(st provider.Status) {
	if ep.failed || ep.closed {
		return
	}
	ep.failed = true
	ep.stop()
	for _, sr := range ep.streamRecvs {
		ep.w.complete(sr.req, st)
	}
	ep.streamRecvs = nil
	if ep.errHandler != nil {
		ep.errHandler(ep, st)
	}
}

func mapNetErr(err error) provider.Status {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return provider.PeerClosed
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return provider.TimedOut
	}
	return provider.EndpointFailed
}
