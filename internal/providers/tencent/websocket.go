package tencent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"whisperdeck/internal/ports"
)

const writeDeadline = 10 * time.Second

// WebSocketDialer opens real backend connections via gorilla/websocket.
type WebSocketDialer struct {
	// Dialer overrides the underlying websocket dialer; nil uses the default.
	Dialer *websocket.Dialer
}

func (d WebSocketDialer) DialContext(ctx context.Context, url string) (ports.WireConn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open recognition websocket: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a gorilla connection to ports.WireConn. Gorilla allows one
// concurrent writer, so writes are serialized here.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConn) WriteBinary(payload []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return w.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (w *wsConn) WriteText(payload []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsConn) Ping() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
}

func (w *wsConn) Read() (ports.WireMessage, error) {
	messageType, payload, err := w.conn.ReadMessage()
	if err != nil {
		return ports.WireMessage{}, err
	}
	return ports.WireMessage{
		Binary:  messageType == websocket.BinaryMessage,
		Payload: payload,
	}, nil
}

func (w *wsConn) Close() error {
	w.writeMu.Lock()
	_ = w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return w.conn.Close()
}
