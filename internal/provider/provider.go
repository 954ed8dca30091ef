// Package provider defines the capability surface the connection runtime
// consumes from a communication provider: contexts, workers, listeners,
// endpoints, non-blocking tagged and stream operations, and request
// status/cancel/free. Implementations live elsewhere (infra/provider/wsnet
// for the websocket transport, providertest for the in-memory pair used by
// tests); the runtime core depends only on this package.
package provider

import "time"

// Feature bits requested at context initialization. Tag and Stream are
// required by the runtime; the rest are optional hints a provider may or
// may not honor.
type Feature uint64

const (
	FeatureTag Feature = 1 << iota
	FeatureStream
	FeatureWakeup
	FeatureRMA
	FeatureAMO32
	FeatureAMO64
)

// CloseMode selects endpoint close behavior. The runtime always uses
// CloseForce: pending operations are aborted rather than flushed.
type CloseMode int

const (
	CloseFlush CloseMode = iota
	CloseForce
)

// Callback is the completion hook attached to a non-blocking operation.
// The provider invokes it exactly once per request, possibly from within
// the submission call itself, always on the worker's progress thread.
type Callback func(req *Request, st Status)

// ErrHandler is the per-endpoint error callback. It fires on the progress
// thread when the peer fails or closes the endpoint from its side.
type ErrHandler func(ep Ep, st Status)

// ConnHandler receives inbound connection requests produced by a listener.
type ConnHandler func(cr ConnRequest)

// ContextParams configures ContextInit.
type ContextParams struct {
	Features    Feature
	RequestInit RequestInit
}

// ContextAttr is the result of Context.Query.
type ContextAttr struct {
	Features Feature
}

// Context is a provider communication context. One context serves one or
// more workers; the runtime creates a single worker per context.
type Context interface {
	Query() ContextAttr
	WorkerCreate() (Worker, error)
	Cleanup()
}

// Worker is a single-threaded progress context. Every callback the provider
// ever invokes runs from within a submission call or a Progress tick on the
// thread driving this worker.
type Worker interface {
	// Progress performs one provider poll and dispatches any completions,
	// connection requests and endpoint errors that became ready. Returns
	// the number of events processed.
	Progress() int

	ListenerCreate(addr string, h ConnHandler) (Listener, error)
	EpCreate(p EpParams) (Ep, Status)

	// TagRecvNB posts a tagged receive matching (tag, mask) against the
	// sender tag. Outcomes follow the three-way submission contract.
	TagRecvNB(buf []byte, tag, mask uint64, cb Callback) (*Request, Status)

	// RequestStatus reports InProgress until the request's completion hook
	// has run, then the terminal status.
	RequestStatus(req *Request) Status

	// RequestCancel asks the provider to abort an in-flight request. The
	// request still completes through its hook, with Cancelled.
	RequestCancel(req *Request)

	// RequestFree returns a completed request record to the slab.
	RequestFree(req *Request)

	Destroy()
}

// Listener accepts inbound connections on a socket address.
type Listener interface {
	Addr() string
	Destroy()
}

// ConnRequest is an inbound connection attempt surfaced by a listener. It
// is either passed to EpCreate or rejected, exactly once. Arrived is the
// provider-side arrival time; the runtime rejects requests that sat
// unaccepted past the connect timeout.
type ConnRequest interface {
	RemoteAddr() string
	Arrived() time.Time
	Reject()
}

// EpParams configures endpoint creation: exactly one of Addr (client side)
// or ConnRequest (accept side) is set.
type EpParams struct {
	Addr        string
	ConnRequest ConnRequest
	ErrHandler  ErrHandler
}

// Ep is a directed communication path to one peer. Tagged sends carry a
// 64-bit tag matched at the receiver; the stream channel is a byte-oriented
// in-order sub-channel used by the runtime for the connection-id exchange.
type Ep interface {
	TagSendNB(buf []byte, tag uint64, cb Callback) (*Request, Status)
	StreamSendNB(buf []byte, cb Callback) (*Request, Status)

	// StreamRecvNB has wait-all semantics: it completes only once len(buf)
	// bytes have arrived.
	StreamRecvNB(buf []byte, cb Callback) (*Request, Status)

	// CloseNB starts an asynchronous endpoint close. It returns (nil, OK)
	// when the close finished inline, otherwise a request to poll with
	// RequestStatus. Close requests carry no completion callback.
	CloseNB(mode CloseMode) (*Request, Status)
}
