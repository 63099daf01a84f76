// Package netio is the concrete, out-of-band implementation of the
// tftp.SocketFactory/tftp.Socket interfaces: UDP socket binding and
// multicast group joins are explicitly out of scope for the protocol
// engine, so this is where that plumbing actually lives.
//
// Multicast membership is managed through golang.org/x/net/ipv4's
// PacketConn, following the same pattern minimega's DHCPv6 server
// uses for its own multicast listener: wrap a net.ListenPacket
// connection in the x/net packet-conn type and drive group
// membership through it, rather than hand-rolling the socket options.
package netio

import (
	"fmt"
	"net"
	"strconv"

	"github.com/qemu-edk2/go-tftpclient"
	"golang.org/x/net/ipv4"
)

const deliveryBacklog = 64

// Factory opens real UDP sockets for a Request.
type Factory struct{}

// NewFactory returns a SocketFactory backed by net.UDPConn.
func NewFactory() *Factory {
	return &Factory{}
}

// DialUnicast opens a UDP socket whose default peer is host:port.
func (f *Factory) DialUnicast(host string, port uint16) (tftp.Socket, error) {
	raddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("netio: resolve %s:%d: %w", host, port, err)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("netio: listen: %w", err)
	}
	s := &unicastSocket{conn: conn, peer: raddr}
	s.deliveries = make(chan tftp.Delivery, deliveryBacklog)
	go s.readLoop(s.deliveries)
	return s, nil
}

// JoinMulticast opens a UDP socket bound to addr:port and joins that
// multicast group via an ipv4.PacketConn.
func (f *Factory) JoinMulticast(addr string, port uint16) (tftp.Socket, error) {
	group := &net.UDPAddr{IP: net.ParseIP(addr), Port: int(port)}
	if group.IP == nil {
		return nil, fmt.Errorf("netio: invalid multicast address %q", addr)
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("netio: listen multicast: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)

	ifaces, err := multicastInterfaces()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("netio: enumerate interfaces: %w", err)
	}
	joined := false
	for _, iface := range ifaces {
		if err := pc.JoinGroup(iface, group); err == nil {
			joined = true
		}
	}
	if !joined {
		if err := pc.JoinGroup(nil, group); err != nil {
			conn.Close()
			return nil, fmt.Errorf("netio: join group %s: %w", addr, err)
		}
	}

	s := &multicastSocket{conn: conn, pc: pc, group: group}
	s.deliveries = make(chan tftp.Delivery, deliveryBacklog)
	go s.readLoop(s.deliveries)
	return s, nil
}

func multicastInterfaces() ([]*net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []*net.Interface
	for i := range all {
		iface := all[i]
		if iface.Flags&net.FlagMulticast != 0 && iface.Flags&net.FlagUp != 0 {
			out = append(out, &iface)
		}
	}
	return out, nil
}

// unicastSocket is the Socket implementation for the server's own
// TID, carrying OACK/DATA/ERROR in and ACKs out.
type unicastSocket struct {
	conn       *net.UDPConn
	peer       *net.UDPAddr
	deliveries chan tftp.Delivery
}

func (s *unicastSocket) Send(p []byte, dst net.Addr) error {
	_, err := s.conn.WriteTo(p, dst)
	return err
}

func (s *unicastSocket) Deliveries() <-chan tftp.Delivery { return s.deliveries }

func (s *unicastSocket) DefaultPeer() net.Addr { return s.peer }

func (s *unicastSocket) Reopen() (<-chan tftp.Delivery, error) {
	s.conn.Close()
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("netio: reopen: %w", err)
	}
	s.conn = conn
	s.deliveries = make(chan tftp.Delivery, deliveryBacklog)
	go s.readLoop(s.deliveries)
	return s.deliveries, nil
}

func (s *unicastSocket) Close() error {
	return s.conn.Close()
}

func (s *unicastSocket) readLoop(out chan<- tftp.Delivery) {
	buf := make([]byte, 65536)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			close(out)
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		out <- tftp.Delivery{Data: cp, Source: addr}
	}
}

// multicastSocket is the Socket implementation for the TFTM/MTFTP
// multicast group. Sends are never performed on it; the
// group address itself stands in as the placeholder DefaultPeer.
type multicastSocket struct {
	conn       net.PacketConn
	pc         *ipv4.PacketConn
	group      *net.UDPAddr
	deliveries chan tftp.Delivery
}

func (s *multicastSocket) Send(p []byte, dst net.Addr) error {
	return fmt.Errorf("netio: sends are never performed on a multicast socket")
}

func (s *multicastSocket) Deliveries() <-chan tftp.Delivery { return s.deliveries }

func (s *multicastSocket) DefaultPeer() net.Addr { return s.group }

func (s *multicastSocket) Reopen() (<-chan tftp.Delivery, error) {
	return nil, fmt.Errorf("netio: multicast sockets are not reopened, only closed and rejoined")
}

func (s *multicastSocket) Close() error {
	return s.conn.Close()
}

func (s *multicastSocket) readLoop(out chan<- tftp.Delivery) {
	buf := make([]byte, 65536)
	for {
		n, _, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			close(out)
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		out <- tftp.Delivery{Data: cp, Source: addr}
	}
}
