package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WS is a single-peer websocket listener, used on the bench where the
// controller app (or a browser harness) connects over the LAN instead of
// the Bluetooth serial link. Only one peer may be attached at a time; a
// second connection attempt is refused.
//
// A read pump goroutine feeds inbound messages into a buffered channel
// which ReadAvailable drains without blocking.
type WS struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	inbound chan []byte
}

// ListenWS starts a websocket listener on addr, serving the peer endpoint
// at /ws.
func ListenWS(addr string) *WS {
	w := &WS{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		inbound: make(chan []byte, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.handlePeer)
	w.httpServer = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := w.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("transport: ws listener: %v", err)
		}
	}()
	log.Printf("transport: ws listening on %s", addr)
	return w
}

func (w *WS) handlePeer(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	busy := w.conn != nil
	w.mu.Unlock()
	if busy {
		http.Error(rw, "peer already attached", http.StatusConflict)
		return
	}

	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.Printf("transport: ws upgrade: %v", err)
		return
	}

	// Re-check under the same lock hold that claims the slot; two upgrades
	// racing past the busy check above must not both attach.
	w.mu.Lock()
	if w.conn != nil {
		w.mu.Unlock()
		conn.Close()
		log.Printf("transport: ws peer from %s lost attach race, dropped", r.RemoteAddr)
		return
	}
	w.conn = conn
	w.mu.Unlock()
	log.Printf("transport: ws peer attached from %s", r.RemoteAddr)

	go w.readPump(conn)
}

// readPump forwards peer messages into the inbound channel until the peer
// goes away. Each websocket message is one protocol frame; a newline is
// appended if the peer omitted it so downstream framing stays uniform.
func (w *WS) readPump(conn *websocket.Conn) {
	defer w.detach(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("transport: ws read: %v", err)
			}
			return
		}
		if len(data) == 0 || data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		select {
		case w.inbound <- data:
		default:
			log.Printf("transport: ws inbound buffer full, dropping frame")
		}
	}
}

// detach clears the peer slot if conn is still the attached peer, and drops
// any frames it pumped but the session never read. The next peer starts with
// an empty inbound queue.
func (w *WS) detach(conn *websocket.Conn) {
	conn.Close()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != conn {
		return
	}
	w.conn = nil
	for {
		select {
		case <-w.inbound:
		default:
			log.Printf("transport: ws peer detached")
			return
		}
	}
}

// PeerPresent reports whether a peer is attached.
func (w *WS) PeerPresent() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

// ReadAvailable drains one pumped message, or nothing.
func (w *WS) ReadAvailable() ([]byte, error) {
	select {
	case data := <-w.inbound:
		return data, nil
	default:
		return nil, nil
	}
}

// Write sends one text message to the attached peer.
func (w *WS) Write(p []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return errors.New("ws: no peer attached")
	}
	if err := conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

// Close shuts down the listener and drops the peer.
func (w *WS) Close() error {
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.mu.Unlock()
	return w.httpServer.Shutdown(context.Background())
}
