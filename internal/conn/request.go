package conn

import (
	"github.com/webitel/conn-runtime/internal/provider"
)

// Status re-exports the provider's outcome kinds; the runtime adds no kinds
// of its own.
type Status = provider.Status

const (
	OK             = provider.OK
	InProgress     = provider.InProgress
	TimedOut       = provider.TimedOut
	Cancelled      = provider.Cancelled
	PeerClosed     = provider.PeerClosed
	EndpointFailed = provider.EndpointFailed
	BadAddress     = provider.BadAddress
	OutOfResources = provider.OutOfResources
	Unsupported    = provider.Unsupported
)

// reqList is the intrusive list of requests in flight on one connection.
// Only the progress thread touches it.
type reqList struct {
	head *provider.Request
	n    int
}

func (l *reqList) empty() bool { return l.head == nil }
func (l *reqList) len() int    { return l.n }

func (l *reqList) push(req *provider.Request) {
	req.Prev = nil
	req.Next = l.head
	if l.head != nil {
		l.head.Prev = req
	}
	l.head = req
	l.n++
}

func (l *reqList) remove(req *provider.Request) {
	if req.Prev != nil {
		req.Prev.Next = req.Next
	} else {
		l.head = req.Next
	}
	if req.Next != nil {
		req.Next.Prev = req.Prev
	}
	req.Prev = nil
	req.Next = nil
	l.n--
}

// finishSubmit applies the submission half of the completion race rule to
// the outcome of a non-blocking provider call.
//
// A nil request means the provider finished synchronously: the callback is
// dispatched right here with the submission status. Otherwise the request
// is in flight -- unless its completion hook already ran during the
// submission call, which the Completed flag reveals. Only a request that is
// genuinely still pending gets the callback stored and is linked into the
// connection's outstanding list; the eventual completion hook will find the
// callback there and finish the operation.
func (c *Conn) finishSubmit(req *provider.Request, st Status, cb Callback) {
	if req == nil {
		if st == InProgress {
			st = EndpointFailed
		}
		cb(st, 0)
		return
	}
	if req.Completed {
		st, n := req.Status, req.RecvLen
		c.eng.worker.RequestFree(req)
		cb(st, n)
		return
	}
	req.UserCB = cb
	req.Owner = c
	c.outstanding.push(req)
}

// onComplete is the completion hook the engine attaches to every tagged and
// stream operation it submits. If the submitter has not stored a callback
// yet the hook only records the outcome; the submitter finishes the
// operation when it inspects Completed. The always-posted control receive
// stays in this state on purpose -- its "callback" is the progress tick.
func (e *Engine) onComplete(req *provider.Request, st Status) {
	if req.UserCB == nil {
		req.Status = st
		req.Completed = true
		return
	}
	cb := req.UserCB
	req.UserCB = nil
	c := req.Owner.(*Conn)
	n := req.RecvLen
	c.outstanding.remove(req)
	e.worker.RequestFree(req)
	cb(st, n)
	c.maybeFinishDrain()
}
