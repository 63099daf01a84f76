package tftp

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/qemu-edk2/go-tftpclient/config"
	"github.com/qemu-edk2/go-tftpclient/tftpuri"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// --- fakes, in the style of gnssgo's pkg/server MockDataSource ---

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

type fakeSocket struct {
	mu          sync.Mutex
	sent        [][]byte
	sentDst     []net.Addr
	deliveries  chan Delivery
	defaultPeer net.Addr
	closed      bool
	reopenCount int
}

func newFakeSocket(peer net.Addr) *fakeSocket {
	return &fakeSocket{deliveries: make(chan Delivery, 32), defaultPeer: peer}
}

func (s *fakeSocket) Send(p []byte, dst net.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	s.sent = append(s.sent, cp)
	s.sentDst = append(s.sentDst, dst)
	return nil
}

func (s *fakeSocket) Deliveries() <-chan Delivery { return s.deliveries }
func (s *fakeSocket) DefaultPeer() net.Addr       { return s.defaultPeer }

func (s *fakeSocket) Reopen() (<-chan Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reopenCount++
	s.deliveries = make(chan Delivery, 32)
	return s.deliveries, nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) deliver(data []byte, src net.Addr) {
	s.deliveries <- Delivery{Data: data, Source: src}
}

func (s *fakeSocket) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSocket) lastSent() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeFactory struct {
	mu           sync.Mutex
	unicast      *fakeSocket
	multicast    *fakeSocket
	dialCount    int
	joinCount    int
	lastDialPort uint16
}

func (f *fakeFactory) DialUnicast(host string, port uint16) (Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialCount++
	f.lastDialPort = port
	f.unicast = newFakeSocket(fakeAddr(fmt.Sprintf("%s:%d", host, port)))
	return f.unicast, nil
}

func (f *fakeFactory) JoinMulticast(addr string, port uint16) (Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinCount++
	f.multicast = newFakeSocket(fakeAddr(fmt.Sprintf("%s:%d", addr, port)))
	return f.multicast, nil
}

func (f *fakeFactory) snapshot() (dialCount, joinCount int, lastPort uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dialCount, f.joinCount, f.lastDialPort
}

type fakeConsumer struct {
	mu          sync.Mutex
	buf         []byte
	offset      int64
	seeks       []int64
	windows     []int
	closeStatus Status
	closed      chan struct{}
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{closed: make(chan struct{})}
}

func (c *fakeConsumer) Seek(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = offset
	c.seeks = append(c.seeks, offset)
}

func (c *fakeConsumer) Deliver(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	end := c.offset + int64(len(p))
	if end > int64(len(c.buf)) {
		grown := make([]byte, end)
		copy(grown, c.buf)
		c.buf = grown
	}
	copy(c.buf[c.offset:end], p)
	return nil
}

func (c *fakeConsumer) Window(blksize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows = append(c.windows, blksize)
}

func (c *fakeConsumer) Close(status Status) {
	c.mu.Lock()
	c.closeStatus = status
	c.mu.Unlock()
	close(c.closed)
}

func (c *fakeConsumer) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf...)
}

// --- helpers ---

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func oackPacket(pairs ...string) []byte {
	out := []byte{0x00, 0x06}
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, []byte(pairs[i]+"\x00"+pairs[i+1]+"\x00")...)
	}
	return out
}

func dataPacket(block uint16, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(out[0:2], uint16(opDATA))
	binary.BigEndian.PutUint16(out[2:4], block)
	copy(out[4:], payload)
	return out
}

func errorPacket(code uint16, msg string) []byte {
	out := []byte{0x00, 0x05, 0x00, 0x00}
	binary.BigEndian.PutUint16(out[2:4], code)
	return append(out, []byte(msg+"\x00")...)
}

func fastRetryConfig() *config.Values {
	return &config.Values{
		Blksize:         512,
		MTFTPAddr:       "239.255.1.1",
		MTFTPPort:       3001,
		RetryBase:       5 * time.Millisecond,
		RetryMax:        15 * time.Millisecond,
		RetryMaxTries:   20,
		MTFTPTimeoutCap: 3,
	}
}

func setupRequest(t *testing.T, scheme tftpuri.Scheme) (*Request, *fakeFactory, *fakeConsumer) {
	t.Helper()
	config.Set(fastRetryConfig())
	u := &tftpuri.URI{Scheme: scheme, Host: "server", Path: "file.bin"}
	factory := &fakeFactory{}
	consumer := newFakeConsumer()
	req, err := Open(consumer, u, factory, testLogger())
	assert.NoError(t, err)
	return req, factory, consumer
}

// --- end-to-end transfer scenarios ---

func TestScenario1PlainTFTPWithOACK(t *testing.T) {
	req, factory, consumer := setupRequest(t, tftpuri.SchemeTFTP)

	waitUntil(t, time.Second, func() bool { return factory.unicast.sentCount() >= 1 })
	rrq := factory.unicast.lastSent()
	assert.Contains(t, string(rrq), "blksize\x00512\x00tsize\x000\x00")
	assert.NotContains(t, string(rrq), "multicast\x00")

	server := fakeAddr("server:69")
	factory.unicast.deliver(oackPacket("blksize", "512", "tsize", "1024"), server)

	waitUntil(t, time.Second, func() bool { return factory.unicast.sentCount() >= 2 }) // ACK 0
	assert.Equal(t, []int64{1024, 0}, consumer.seeks)
	assert.Equal(t, []int{512}, consumer.windows)

	block512 := make([]byte, 512)
	for i := range block512 {
		block512[i] = 'a'
	}
	factory.unicast.deliver(dataPacket(1, block512), server)
	waitUntil(t, time.Second, func() bool { return factory.unicast.sentCount() >= 3 }) // ACK 1

	factory.unicast.deliver(dataPacket(2, block512), server)
	waitUntil(t, time.Second, func() bool { return factory.unicast.sentCount() >= 4 }) // ACK 2

	factory.unicast.deliver(dataPacket(3, nil), server)

	select {
	case <-req.Done():
	case <-time.After(time.Second):
		t.Fatal("request did not complete")
	}

	assert.Equal(t, StatusOK, consumer.closeStatus)
	assert.Equal(t, 1024, len(consumer.bytes()))
	assert.Equal(t, 5, factory.unicast.sentCount()) // 1 RRQ + ACKs 0,1,2,3
}

func TestScenario2NoOACKUnknownTsize(t *testing.T) {
	req, factory, consumer := setupRequest(t, tftpuri.SchemeTFTP)
	waitUntil(t, time.Second, func() bool { return factory.unicast.sentCount() >= 1 })

	server := fakeAddr("server:69")
	block512 := make([]byte, 512)
	factory.unicast.deliver(dataPacket(1, block512), server)

	waitUntil(t, time.Second, func() bool { return factory.unicast.sentCount() >= 2 })
	// presize's length-hint pair (seek(filesize); seek(0)) followed by
	// the positioned seek(0) for block 1's own offset.
	assert.Equal(t, []int64{512, 0, 0}, consumer.seeks)

	factory.unicast.deliver(dataPacket(2, make([]byte, 300)), server)

	select {
	case <-req.Done():
	case <-time.After(time.Second):
		t.Fatal("request did not complete")
	}
	assert.Equal(t, StatusOK, consumer.closeStatus)
	assert.Equal(t, 812, len(consumer.bytes()))
}

func TestScenario3TFTMMasterClient(t *testing.T) {
	_, factory, consumer := setupRequest(t, tftpuri.SchemeTFTM)
	waitUntil(t, time.Second, func() bool { return factory.unicast.sentCount() >= 1 })
	assert.Contains(t, string(factory.unicast.lastSent()), "multicast\x00\x00")

	server := fakeAddr("server:69")
	factory.unicast.deliver(oackPacket("blksize", "512", "tsize", "1024", "multicast", "239.0.0.1,5000,1"), server)

	waitUntil(t, time.Second, func() bool { return factory.multicast != nil })
	assert.Equal(t, "239.0.0.1:5000", factory.multicast.defaultPeer.String())

	block512 := make([]byte, 512)
	factory.multicast.deliver(dataPacket(1, block512), server)
	waitUntil(t, time.Second, func() bool { return factory.unicast.sentCount() >= 3 })

	factory.multicast.deliver(dataPacket(2, block512), server)
	waitUntil(t, time.Second, func() bool { return factory.unicast.sentCount() >= 4 })

	factory.multicast.deliver(dataPacket(3, nil), server)
	waitUntil(t, time.Second, func() bool { return consumer.closeStatus == StatusOK })
}

func TestScenario4TFTMNonMaster(t *testing.T) {
	_, factory, consumer := setupRequest(t, tftpuri.SchemeTFTM)
	waitUntil(t, time.Second, func() bool { return factory.unicast.sentCount() >= 1 })

	server := fakeAddr("server:69")
	factory.unicast.deliver(oackPacket("blksize", "512", "tsize", "1024", "multicast", "239.0.0.1,5000,0"), server)
	waitUntil(t, time.Second, func() bool { return factory.multicast != nil })

	block512 := make([]byte, 512)
	factory.multicast.deliver(dataPacket(1, block512), server)
	factory.multicast.deliver(dataPacket(2, block512), server)
	factory.multicast.deliver(dataPacket(3, nil), server)

	waitUntil(t, time.Second, func() bool { return consumer.closeStatus == StatusOK })
	// only the original RRQ was ever sent on the unicast socket: no ACKs
	assert.Equal(t, 1, factory.unicast.sentCount())
}

func TestScenario5MTFTPFallback(t *testing.T) {
	_, factory, _ := setupRequest(t, tftpuri.SchemeMTFTP)

	waitUntil(t, time.Second, func() bool {
		_, joinCount, _ := factory.snapshot()
		return joinCount == 1
	})

	waitUntil(t, 2*time.Second, func() bool {
		dialCount, _, lastPort := factory.snapshot()
		return dialCount == 2 && lastPort == 69
	})

	factory.mu.Lock()
	mcClosed := factory.multicast.isClosed()
	factory.mu.Unlock()
	assert.True(t, mcClosed)
}

func TestScenario6ServerError(t *testing.T) {
	req, factory, consumer := setupRequest(t, tftpuri.SchemeTFTP)
	waitUntil(t, time.Second, func() bool { return factory.unicast.sentCount() >= 1 })

	server := fakeAddr("server:69")
	factory.unicast.deliver(errorPacket(1, "not found"), server)

	select {
	case <-req.Done():
	case <-time.After(time.Second):
		t.Fatal("request did not complete")
	}
	assert.Equal(t, StatusNotFound, consumer.closeStatus)
	assert.True(t, factory.unicast.isClosed())
}

func TestCancelTerminatesWithConsumerClosedStatus(t *testing.T) {
	req, factory, consumer := setupRequest(t, tftpuri.SchemeTFTP)
	waitUntil(t, time.Second, func() bool { return factory.unicast.sentCount() >= 1 })

	req.Cancel()
	select {
	case <-req.Done():
	case <-time.After(time.Second):
		t.Fatal("request did not terminate after Cancel")
	}
	assert.Equal(t, StatusConsumerClosed, consumer.closeStatus)
}

func TestWireBlockWraparoundMapsContinuously(t *testing.T) {
	req, factory, consumer := setupRequest(t, tftpuri.SchemeTFTP)
	waitUntil(t, time.Second, func() bool { return factory.unicast.sentCount() >= 1 })
	server := fakeAddr("server:69")

	// Pretend we are already 65534 blocks in: block 65534 is the
	// current gap, the epoch base is 0, and the next wire block is
	// 65535 (internal 65534), then 0 (internal 65535), then 1
	// (internal 65536) -- all without aliasing. Full-size blocks keep
	// the transfer open, so the bitmap is still held after the third.
	req.bitmap.resize(65537)
	for i := 0; i < 65534; i++ {
		req.bitmap.set(i)
	}

	block := make([]byte, 512)
	factory.unicast.deliver(dataPacket(65535, block), server)
	waitUntil(t, time.Second, func() bool { return req.bitmap.isSet(65534) })

	factory.unicast.deliver(dataPacket(0, block), server)
	waitUntil(t, time.Second, func() bool { return req.bitmap.isSet(65535) })

	factory.unicast.deliver(dataPacket(1, block), server)
	waitUntil(t, time.Second, func() bool { return req.bitmap.isSet(65536) })

	_ = consumer
}
