package tftp

import (
	"net"

	"github.com/google/uuid"
	"github.com/qemu-edk2/go-tftpclient/config"
	"github.com/qemu-edk2/go-tftpclient/tftpuri"
	"github.com/sirupsen/logrus"
)

// RequestFlags is the bitset of per-request state tracked across a
// transfer's lifetime.
type RequestFlags uint8

const (
	// FlagSendAck is set once a transfer is established and this
	// client is the one responsible for emitting ACKs (always true
	// outside multicast, conditional on master-client election
	// within it).
	FlagSendAck RequestFlags = 1 << iota
	// FlagRRQSizes requests blksize/tsize options in the RRQ.
	FlagRRQSizes
	// FlagRRQMulticast requests the multicast option in the RRQ
	// (tftm only; MTFTP listens on a preconfigured group instead).
	FlagRRQMulticast
	// FlagMTFTPRecovery enables the MTFTP-specific timer recovery
	// and fallback-to-plain-TFTP behavior.
	FlagMTFTPRecovery
)

// Request is a single in-flight transfer: the engine's state machine
// instance. It exclusively owns uri, bitmap, timer and both sockets;
// the consumer endpoint is shared.
type Request struct {
	id  string
	log logrus.FieldLogger

	uri        *tftpuri.URI
	serverPort uint16
	peer       net.Addr

	blksize  uint32
	tsize    uint64
	filesize uint64
	bitmap   *BlockBitmap

	flags         RequestFlags
	mtftpTimeouts int

	timer *RetryTimer

	factory     SocketFactory
	unicast     Socket
	unicastCh   <-chan Delivery
	multicast   Socket
	multicastCh <-chan Delivery

	consumer Consumer
	cfg      *config.Values

	closeCh chan Status
	done    chan struct{}
}

// Open creates and arms a Request for uri, dispatching its scheme to
// the appropriate flag combination, and starts its reactor
// goroutine. The consumer is attached immediately; it will observe
// Seek/Deliver/Window calls as data arrives and exactly one Close
// call when the transfer ends.
func Open(consumer Consumer, uri *tftpuri.URI, factory SocketFactory, log logrus.FieldLogger) (*Request, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg := config.Get()

	id := uuid.New().String()
	reqLog := log.WithFields(logrus.Fields{
		"request_id": id,
		"uri_host":   uri.Host,
		"uri_path":   uri.Path,
		"scheme":     string(uri.Scheme),
	})

	r := &Request{
		id:         id,
		log:        reqLog,
		uri:        uri,
		serverPort: uri.ResolvedPort(),
		blksize:    cfg.Blksize,
		bitmap:     NewBlockBitmap(0),
		factory:    factory,
		consumer:   consumer,
		cfg:        cfg,
		closeCh:    make(chan Status, 1),
		done:       make(chan struct{}),
	}

	switch uri.Scheme {
	case tftpuri.SchemeTFTM:
		r.flags = FlagRRQSizes | FlagRRQMulticast
	case tftpuri.SchemeMTFTP:
		r.flags = FlagRRQSizes | FlagMTFTPRecovery
	default:
		r.flags = FlagRRQSizes
	}

	sock, err := factory.DialUnicast(uri.Host, r.serverPort)
	if err != nil {
		return nil, err
	}
	r.unicast = sock
	r.unicastCh = sock.Deliveries()

	if r.flags&FlagMTFTPRecovery != 0 {
		if err := r.openMulticast(cfg.MTFTPAddr, cfg.MTFTPPort); err != nil {
			sock.Close()
			return nil, err
		}
	}

	r.consumer.Window(int(r.blksize))

	r.timer = NewRetryTimer(cfg.RetryBase, cfg.RetryMax, cfg.RetryMaxTries)
	r.timer.StartNoDelay()

	go r.run()
	return r, nil
}

// Cancel requests immediate, consumer-initiated termination. No
// half-closed state is exposed: the reactor stops the timer,
// closes both sockets, and signals the consumer exactly
// once more (with StatusConsumerClosed) before returning.
func (r *Request) Cancel() {
	select {
	case r.closeCh <- StatusConsumerClosed:
	default:
	}
}

// Done returns a channel closed once the Request has fully
// terminated and torn down its resources.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// run is the reactor: the single goroutine that serializes every
// timer expiry and socket delivery in a single-threaded cooperative
// execution model: no locks are needed because only this goroutine
// ever touches Request state.
func (r *Request) run() {
	defer close(r.done)
	for {
		select {
		case fail := <-r.timer.C:
			if status, terminate := r.onTimerFire(fail); terminate {
				r.terminate(status)
				return
			}

		case d, ok := <-r.unicastCh:
			if !ok {
				r.unicastCh = nil
				continue
			}
			if status, terminate := r.onUnicastPacket(d); terminate {
				r.terminate(status)
				return
			}

		case d, ok := <-r.multicastCh:
			if !ok {
				r.multicastCh = nil
				continue
			}
			if status, terminate := r.onMulticastPacket(d); terminate {
				r.terminate(status)
				return
			}

		case status := <-r.closeCh:
			r.terminate(status)
			return
		}
	}
}

// terminate performs the fixed destruction order: stop
// the timer, close both sockets, signal the consumer, release the
// URI and bitmap.
func (r *Request) terminate(status Status) {
	r.timer.Stop()
	if r.unicast != nil {
		r.unicast.Close()
	}
	if r.multicast != nil {
		r.multicast.Close()
	}
	r.consumer.Close(status)
	r.uri = nil
	r.bitmap = nil
	if status == StatusOK {
		r.log.Info("transfer complete")
	} else {
		r.log.WithField("status", string(status)).Warn("transfer terminated")
	}
}

// onTimerFire implements the timer-fire transition table: RRQ
// retransmission before a peer is known, MTFTP socket-reopen
// recovery, fallback to plain TFTP once recovery is exhausted, and
// ordinary resend-current otherwise.
func (r *Request) onTimerFire(fail bool) (Status, bool) {
	switch {
	case r.peer == nil && r.flags&FlagRRQMulticast != 0 && r.flags&FlagMTFTPRecovery == 0:
		r.sendRRQ()
		r.timer.Start()
		return StatusOK, false

	case r.flags&FlagMTFTPRecovery != 0 && r.peer != nil:
		r.reopenUnicastSameAddr()
		r.sendRRQ()
		r.timer.Start()
		return StatusOK, false

	case r.flags&FlagMTFTPRecovery != 0 && r.peer == nil:
		r.mtftpTimeouts++
		if r.mtftpTimeouts > r.cfg.MTFTPTimeoutCap {
			r.fallbackToPlainTFTP()
		}
		r.sendRRQ()
		r.timer.Start()
		return StatusOK, false

	default:
		if fail {
			r.log.WithField("tries", r.timer.Tries()).Warn("retransmission timer exhausted")
			return StatusTimeout, true
		}
		r.resendCurrent()
		r.timer.Start()
		return StatusOK, false
	}
}

func (r *Request) resendCurrent() {
	switch {
	case r.peer == nil:
		r.sendRRQ()
	case r.flags&FlagSendAck != 0:
		r.sendAckForCurrentGap()
	}
}

func (r *Request) sendRRQ() {
	pkt := encodeRRQ(r.uri.Path, r.flags&FlagRRQSizes != 0, r.flags&FlagRRQMulticast != 0, r.blksize)
	if err := r.unicast.Send(pkt, r.unicast.DefaultPeer()); err != nil {
		r.log.WithError(err).Warn("failed to send RRQ")
	}
}

func (r *Request) sendAckForCurrentGap() {
	block := uint16(r.bitmap.firstGap() & 0xFFFF)
	if err := r.unicast.Send(encodeACK(block), r.peer); err != nil {
		r.log.WithError(err).Warn("failed to send ACK")
	}
}

func (r *Request) reopenUnicastSameAddr() {
	ch, err := r.unicast.Reopen()
	if err != nil {
		r.log.WithError(err).Warn("failed to reopen unicast socket")
		return
	}
	r.unicastCh = ch
	r.peer = nil
	r.flags &^= FlagSendAck
}

func (r *Request) fallbackToPlainTFTP() {
	r.log.Warn("mtftp recovery exhausted, falling back to plain tftp")
	r.flags = FlagRRQSizes
	if r.multicast != nil {
		r.multicast.Close()
		r.multicast = nil
		r.multicastCh = nil
	}
	r.bitmap = NewBlockBitmap(0)
	r.filesize = 0
	r.tsize = 0
	r.serverPort = 69
	r.peer = nil

	if r.unicast != nil {
		r.unicast.Close()
	}
	sock, err := r.factory.DialUnicast(r.uri.Host, r.serverPort)
	if err != nil {
		r.log.WithError(err).Error("failed to reopen unicast socket for plain-tftp fallback")
		return
	}
	r.unicast = sock
	r.unicastCh = sock.Deliveries()
}

func (r *Request) openMulticast(addr string, port uint16) error {
	sock, err := r.factory.JoinMulticast(addr, port)
	if err != nil {
		return err
	}
	if r.multicast != nil {
		r.multicast.Close()
	}
	r.multicast = sock
	r.multicastCh = sock.Deliveries()
	return nil
}

// onUnicastPacket dispatches a unicast-socket delivery: OACK, DATA or
// ERROR, binding peer from the first reply of any kind.
func (r *Request) onUnicastPacket(d Delivery) (Status, bool) {
	op, ok := packetOpcode(d.Data)
	if !ok {
		r.log.Debug("dropped undersized unicast packet")
		return StatusOK, false
	}

	if r.peer == nil {
		r.peer = d.Source
		r.flags |= FlagSendAck
		r.log.WithField("peer", d.Source.String()).Info("server TID bound")
	} else if !sameAddr(d.Source, r.peer) {
		r.log.WithField("source", d.Source.String()).Debug("dropped packet from unexpected source")
		return StatusOK, false
	}

	switch op {
	case opOACK:
		return r.handleOACK(d.Data)
	case opDATA:
		return r.handleDATA(d.Data)
	case opERROR:
		return r.handleERROR(d.Data)
	default:
		r.log.WithField("opcode", uint16(op)).Debug("dropped packet with unexpected opcode")
		return StatusOK, false
	}
}

// onMulticastPacket handles a multicast-socket delivery: DATA only,
// and only once a peer TID is known.
func (r *Request) onMulticastPacket(d Delivery) (Status, bool) {
	if r.peer == nil {
		r.log.Debug("dropped multicast packet before peer established")
		return StatusOK, false
	}
	op, ok := packetOpcode(d.Data)
	if !ok || op != opDATA {
		r.log.Debug("dropped non-DATA multicast packet")
		return StatusOK, false
	}
	if !sameAddr(d.Source, r.peer) {
		r.log.WithField("source", d.Source.String()).Debug("dropped multicast packet from unexpected source")
		return StatusOK, false
	}
	return r.handleDATA(d.Data)
}

func (r *Request) handleOACK(payload []byte) (Status, bool) {
	raw, err := decodeOACK(payload)
	if err != nil {
		r.log.WithError(err).Debug("dropped short OACK")
		return StatusOK, false
	}
	opts, err := parseOptions(raw)
	if err != nil {
		if st, ok := err.(Status); ok {
			r.log.WithError(err).Warn("rejecting OACK")
			return st, true
		}
		r.log.WithError(err).Debug("malformed OACK ignored")
		return StatusOK, false
	}

	if opts.blksize != nil && *opts.blksize != r.blksize {
		r.blksize = *opts.blksize
		r.consumer.Window(int(r.blksize))
	}
	if opts.tsize != nil {
		r.tsize = *opts.tsize
		r.presize(r.tsize)
	}
	if opts.multicast != nil {
		if opts.multicast.masterClient {
			r.flags |= FlagSendAck
		} else {
			r.flags &^= FlagSendAck
		}
		if opts.multicast.addr != "" {
			if err := r.openMulticast(opts.multicast.addr, opts.multicast.port); err != nil {
				r.log.WithError(err).Warn("failed to join negotiated multicast group")
				return StatusNetwork, true
			}
			r.log.WithField("group", opts.multicast.addr).Info("joined negotiated multicast group")
		}
	}

	if r.flags&FlagSendAck != 0 {
		r.sendAckForCurrentGap()
	}
	r.timer.Reset()
	return StatusOK, false
}

func (r *Request) handleDATA(payload []byte) (Status, bool) {
	wireBlock, data, err := decodeDATA(payload, int(r.blksize))
	if err != nil {
		r.log.WithError(err).Debug("dropped malformed DATA")
		return StatusOK, false
	}

	gapBefore := r.bitmap.firstGap()
	if wireBlock == 0 && gapBefore == 0 {
		r.log.Warn("received wire block 0 with no blocks yet received")
		return StatusProtocol, true
	}

	// Wire block numbers run 1..65535 then wrap to 0, which stands
	// for the 65536th block of the current epoch rather than a
	// literal zero (the zero case is the protocol error handled
	// above). Treating it as 65536 here keeps the epoch arithmetic
	// below correct across the wrap.
	effective := int(wireBlock)
	if wireBlock == 0 {
		effective = 65536
	}
	epochBase := gapBefore &^ 0xFFFF
	internalBlock := epochBase + (effective - 1)

	lowerBound := uint64(internalBlock)*uint64(r.blksize) + uint64(len(data))
	r.presize(lowerBound)

	offset := int64(internalBlock) * int64(r.blksize)
	r.consumer.Seek(offset)
	if err := r.consumer.Deliver(data); err != nil {
		r.log.WithError(err).Warn("consumer rejected delivery")
		return StatusNetwork, true
	}
	r.bitmap.set(internalBlock)

	if r.flags&FlagSendAck != 0 {
		r.sendAckForCurrentGap()
	}
	r.timer.Reset()

	if r.bitmap.full() {
		return StatusOK, true
	}
	return StatusOK, false
}

func (r *Request) handleERROR(payload []byte) (Status, bool) {
	code, message, err := decodeERROR(payload)
	if err != nil {
		r.log.WithError(err).Debug("dropped malformed ERROR packet")
		return StatusOK, false
	}
	status := mapErrorCode(code)
	r.log.WithFields(logrus.Fields{"code": uint16(code), "message": message}).Warn("server sent ERROR")
	return status, true
}

// presize grows filesize/bitmap from a new lower bound on file
// length. filesize only ever moves forward.
func (r *Request) presize(lowerBound uint64) {
	if lowerBound <= r.filesize {
		return
	}
	r.filesize = lowerBound
	if r.filesize > 0 {
		r.consumer.Seek(int64(r.filesize))
		r.consumer.Seek(0)
	}
	newCap := int(r.filesize/uint64(r.blksize)) + 1
	r.bitmap.resize(newCap)
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.String() == b.String()
}
