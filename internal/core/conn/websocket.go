package conn

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var _ Conn = (*WS)(nil)

// WS adapts a gorilla websocket connection. One queued buffer becomes one
// websocket message; JSON traffic leaves as text frames.
type WS struct {
	queued
	ws *websocket.Conn
}

// NewWS wraps an upgraded (or dialed) websocket connection and starts its
// writer goroutine.
func NewWS(wsc *websocket.Conn) *WS {
	w := &WS{ws: wsc}
	w.init(uuid.NewString(), wsc.Close)
	w.initQueue()
	go w.drain(w.writeFrame)
	return w
}

func (w *WS) writeFrame(frame []byte) error {
	return w.ws.WriteMessage(websocket.TextMessage, frame)
}

// ReadMessage returns the next text or binary message payload. Control
// frames are handled by gorilla underneath.
func (w *WS) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := w.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// CloseWithCode sends a close control frame carrying the given status code
// before tearing the connection down. Used for policy closes (1008).
func (w *WS) CloseWithCode(code int, text string) error {
	deadline := time.Now().Add(time.Second)
	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	return w.Close(text)
}

func (w *WS) RemoteAddr() net.Addr { return w.ws.RemoteAddr() }

func (w *WS) LocalAddr() net.Addr { return w.ws.LocalAddr() }
