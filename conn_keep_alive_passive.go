package libmux

// PassiveKeepAliveHandler reacts to keep-alive control frames sent by the
// peer.
type PassiveKeepAliveHandler func(sock Socket, m Message)

// replyPingWithPong answers a peer ping with a pong echoing its payload.
func replyPingWithPong(sock Socket, m Message) {
	if !m.Type.IsPing() {
		return
	}
	_ = sock.Write(NewPongMessage(m.Data))
}

var _ PassiveKeepAliveHandler = replyPingWithPong
