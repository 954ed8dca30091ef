package wsnet

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/webitel/conn-runtime/internal/provider"
)

// Listener implements provider.Listener: an HTTP server whose upgrade
// endpoint turns inbound websocket connections into connection requests.
type Listener struct {
	w       *Worker
	addr    string
	handler provider.ConnHandler

	srv      *http.Server
	upgrader websocket.Upgrader
	gone     bool
}

func (w *Worker) ListenerCreate(addr string, h provider.ConnHandler) (provider.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wsnet: listen %s: %w", addr, err)
	}
	l := &Listener{
		w:       w,
		addr:    ln.Addr().String(),
		handler: h,
	}
	router := chi.NewRouter()
	router.Get(w.ctx.upgradePath, l.upgrade)
	l.srv = &http.Server{Handler: router}
	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			w.ctx.log.Error("listener serve failed", "addr", l.addr, "error", err)
		}
	}()
	w.listeners = append(w.listeners, l)
	return l, nil
}

// upgrade runs on the HTTP server's goroutine; the connection request is
// handed to the runtime through the event queue.
func (l *Listener) upgrade(rw http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		l.w.ctx.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	cr := &ConnRequest{
		ws:         ws,
		remoteAddr: r.RemoteAddr,
		at:         time.Now(),
	}
	l.w.enqueue(func() { l.handler(cr) })
}

func (l *Listener) Addr() string { return l.addr }

func (l *Listener) Destroy() {
	if l.gone {
		return
	}
	l.gone = true
	_ = l.srv.Close()
}

// ConnRequest implements provider.ConnRequest for an upgraded websocket
// awaiting accept or rejection.
type ConnRequest struct {
	ws         *websocket.Conn
	remoteAddr string
	at         time.Time
	taken      bool
}

func (cr *ConnRequest) RemoteAddr() string { return cr.remoteAddr }

func (cr *ConnRequest) Arrived() time.Time { return cr.at }

// take claims the request; only the first claim wins.
func (cr *ConnRequest) take() bool {
	if cr.taken {
		return false
	}
	cr.taken = true
	return true
}

func (cr *ConnRequest) Reject() {
	if !cr.take() {
		return
	}
	_ = cr.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "busy"))
	_ = cr.ws.Close()
}
