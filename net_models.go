package libmux

import (
	"context"
)

type (
	CloseChan chan struct{}

	// Socket is one physical bidirectional channel. Inbound frames are
	// pushed to the channel handed to the SocketFactory.
	Socket interface {
		// Open dials and returns once the socket is usable or failed.
		Open(ctx context.Context) error
		// Write queues m for transmission. It fails once the socket is closed.
		Write(m Message) error
		// Close tears the socket down. Safe to call more than once.
		Close()
		// CloseErr explains why the socket closed. Nil means a clean close.
		CloseErr() error
		// CloseChan is closed when the socket is gone.
		CloseChan() CloseChan
	}

	SocketFactory func(ctx context.Context, recv chan<- Message) Socket
)
