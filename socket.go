package tftp

import "net"

// Delivery is one inbound datagram together with its source address,
// as handed to the engine's reactor by a socket adapter.
type Delivery struct {
	Data   []byte
	Source net.Addr
}

// Socket is the datagram-socket abstraction the engine consumes. Its
// construction (UDP binding, multicast group joins) is kept out of
// the engine entirely; concrete implementations live in
// internal/netio, with a fake used by the engine's own tests.
type Socket interface {
	// Send transmits p to dst.
	Send(p []byte, dst net.Addr) error

	// Deliveries returns the channel the adapter's read loop pushes
	// received datagrams onto. Closed when the socket is closed.
	Deliveries() <-chan Delivery

	// DefaultPeer is the destination the initial RRQ is sent to: the
	// server address supplied at socket-open time, not the engine's
	// `peer` field (which is still empty until the first reply).
	DefaultPeer() net.Addr

	// Reopen closes and recreates the underlying connection, bound
	// the same way it originally was. It returns the new deliveries
	// channel (the old one is closed and must not be read again).
	Reopen() (<-chan Delivery, error)

	// Close tears down the socket. Safe to call more than once.
	Close() error
}

// SocketFactory opens the two sockets a Request needs, keeping the
// engine itself free of net.UDPConn concerns; see internal/netio for
// the concrete implementation used by cmd/tftpget.
type SocketFactory interface {
	// DialUnicast opens a socket whose default peer is host:port.
	DialUnicast(host string, port uint16) (Socket, error)

	// JoinMulticast opens a socket bound to the given multicast
	// group:port. Because Socket requires a default peer and sends
	// are never performed on a multicast socket, the group address
	// itself is used as a placeholder peer.
	JoinMulticast(addr string, port uint16) (Socket, error)
}
