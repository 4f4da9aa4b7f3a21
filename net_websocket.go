package libmux

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

type (
	openConnectionParamsRepo interface {
		Get(ctx context.Context) (OpenConnectionParams, error)
	}

	ErrAdapter func(*websocket.Conn, *http.Response, error) error

	ErrorAdapters struct {
		OnDial ErrAdapter
	}

	// WsSocket is the websocket implementation of Socket.
	WsSocket struct {
		errAdapters              ErrorAdapters
		openConnectionParamsRepo openConnectionParamsRepo
		logger                   logger
		dialer                   *websocket.Dialer
		writeTimeout             time.Duration

		connMu sync.RWMutex
		conn   *websocket.Conn

		closeChan       CloseChan
		closeOnce       sync.Once
		closeReason     error
		closeReasonOnce sync.Once
		recv            chan<- Message // recv messages received over the wire
		send            chan Message   // send messages to be sent over the wire
	}
)

const defaultWriteTimeout = 5 * time.Second

func NewWebsocketSocket(
	dialer *websocket.Dialer,
	openParamsRepo openConnectionParamsRepo,
	logger logger,
	recvChan chan<- Message,
	errorHandlers ErrorAdapters,
) *WsSocket {
	return &WsSocket{
		errAdapters:              errorHandlers,
		dialer:                   dialer,
		openConnectionParamsRepo: openParamsRepo,
		writeTimeout:             defaultWriteTimeout,
		recv:                     recvChan,
		send:                     make(chan Message, 16),
		closeChan:                make(CloseChan),
		logger:                   logger.WithField("net", "ws_socket"),
	}
}

func NewWebsocketFactory(
	logger logger,
	dialer *websocket.Dialer,
	openConnectionParamsRepo openConnectionParamsRepo,
	errorHandlers ErrorAdapters,
) SocketFactory {
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	return func(_ context.Context, recvChan chan<- Message) Socket {
		return NewWebsocketSocket(
			dialer,
			openConnectionParamsRepo,
			logger,
			recvChan,
			errorHandlers,
		)
	}
}

// Write queues a frame for the writer goroutine.
func (w *WsSocket) Write(m Message) error {
	select {
	case <-w.closeChan:
		return ErrConnectionClosed
	default:
	}

	select {
	case <-w.closeChan:
		return ErrConnectionClosed
	case w.send <- m:
		return nil
	}
}

// Close terminates the socket and releases its goroutines.
func (w *WsSocket) Close() {
	w.setCloseReason(ErrTerminated)
	w.safeClose()
}

// Open dials the endpoint. It returns once the handshake completed or failed.
func (w *WsSocket) Open(ctx context.Context) error {
	return w.start(ctx)
}

func (w *WsSocket) CloseChan() CloseChan {
	return w.closeChan
}

// CloseErr is nil for a normal closure initiated by the peer, ErrTerminated
// when closed from our side, and wraps ErrConnectionClosed otherwise.
func (w *WsSocket) CloseErr() error {
	<-w.closeChan
	return w.closeReason
}

func (w *WsSocket) start(ctx context.Context) error {
	p, err := w.openConnectionParamsRepo.Get(ctx)
	if err != nil {
		w.logger.Errorf("cannot get connection params due to %s", err)
		return errors.Wrap(ErrCannotConnect, err.Error())
	}

	conn, resp, err := w.dialer.DialContext(ctx, p.URL.String(), p.Header)

	if err = w.handleDialError(conn, resp, err); err != nil {
		w.logger.Errorf("connection err to %s: %s", p.URL.Redacted(), err)
		if conn != nil {
			_ = conn.Close()
		}
		return err
	}

	w.logger.Debugf("success opening connection to %s", p.URL.Redacted())

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()

	// Control frames are surfaced to the owner instead of being answered
	// here, so keep-alive policy stays in one place.
	conn.SetPingHandler(func(appData string) error {
		w.logger.Debugln("<= [PING]")
		w.push(NewPingMessage([]byte(appData)))
		return nil
	})

	conn.SetPongHandler(func(appData string) error {
		w.logger.Debugln("<= [PONG]")
		w.push(NewPongMessage([]byte(appData)))
		return nil
	})

	conn.SetCloseHandler(func(code int, text string) error {
		w.logger.Debugf("<= [CLOSE] %d %s", code, text)
		w.push(NewCloseMessage(code, []byte(text)))
		return nil
	})

	go w.read()
	go w.write()

	return nil
}

func (w *WsSocket) push(m Message) {
	select {
	case w.recv <- m:
	case <-w.closeChan:
	}
}

func (w *WsSocket) read() {
	defer w.safeClose()

	for {
		messageType, bts, err := w.conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure):
				w.setCloseReason(nil)
			default:
				select {
				case <-w.closeChan:
					w.setCloseReason(ErrTerminated)
				default:
					w.logger.Errorf("error occurred on websocket read: %s", err)
					w.setCloseReason(errors.Wrap(
						ErrConnectionClosed,
						"error occurred on websocket read: "+err.Error(),
					))
				}
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			w.logger.Debugf("<= [BIN] %d bytes", len(bts))
			w.push(NewDataMessage(BinaryMessage, bts))
		default:
			w.logger.Debugf("<= [DATA] %s", bts)
			w.push(NewDataMessage(TextMessage, bts))
		}
	}
}

func (w *WsSocket) write() {
	defer w.safeClose()

	for {
		select {
		case <-w.closeChan:
			return
		case msg := <-w.send:
			deadline := time.Now().Add(w.writeTimeout)
			_ = w.conn.SetWriteDeadline(deadline)

			var err error

			switch msg.Type {
			case PingMessage:
				w.logger.Debugln("=> [PING]")
				err = w.conn.WriteControl(websocket.PingMessage, msg.Data, deadline)
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					err = nil
				}
			case PongMessage:
				w.logger.Debugln("=> [PONG]")
				err = w.conn.WriteControl(websocket.PongMessage, msg.Data, deadline)
			case BinaryMessage:
				w.logger.Debugf("=> [BIN] %d bytes", len(msg.Data))
				err = w.conn.WriteMessage(websocket.BinaryMessage, msg.Data)
			case TextMessage:
				w.logger.Debugf("=> [DATA] %s", msg.Data)
				err = w.conn.WriteMessage(websocket.TextMessage, msg.Data)
			}

			if err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure,
				) {
					w.setCloseReason(ErrConnectionClosed)
				} else {
					w.setCloseReason(errors.Wrap(ErrConnectionClosed, err.Error()))
				}
				return
			}
		}
	}
}

func (w *WsSocket) safeClose() {
	w.closeOnce.Do(w.close)
}

func (w *WsSocket) close() {
	close(w.closeChan)

	w.connMu.RLock()
	conn := w.conn
	w.connMu.RUnlock()

	if conn == nil {
		return
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = conn.Close()
}

func (w *WsSocket) setCloseReason(err error) {
	w.closeReasonOnce.Do(func() {
		w.closeReason = err
	})
}

func (w *WsSocket) handleDialError(conn *websocket.Conn, resp *http.Response, err error) error {
	if w.errAdapters.OnDial != nil {
		return w.errAdapters.OnDial(conn, resp, err)
	}

	// 1. Check HTTP errors first
	var msg string

	if resp != nil {
		if resp.Body != nil {
			bts, readErr := io.ReadAll(resp.Body)
			if readErr == nil {
				msg = string(bts)
			}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return errors.Wrap(ErrRateLimit, msg)
		}
	}

	// 2. Network errors
	if err != nil {
		return errors.Wrap(ErrCannotConnect, err.Error())
	}

	return nil
}
