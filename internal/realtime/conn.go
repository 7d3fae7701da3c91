package realtime

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	logx "agendacore/pkg/logx"
)

var (
	ErrTransportClosed = errors.New("realtime: transport closed")
	ErrSendBufferFull  = errors.New("realtime: send buffer full")
)

const defaultSendBuffer = 32

// wsConn adapts a websocket to Transport. Outbound messages go through a
// buffered channel drained by writeLoop, so Send never blocks on the socket.
type wsConn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  logx.Logger
}

func newWSConn(ws *websocket.Conn, buffer int, log logx.Logger) *wsConn {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &wsConn{
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
		log:  log,
	}
}

func (c *wsConn) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// writeLoop is the only writer of the socket.
func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("write failed", logx.Err(err))
				_ = c.Close()
				return
			}
		}
	}
}
