// Package session implements ManagedSession, the packet-level engine
// layered over a secure transport: a send pipeline that assigns
// monotonic ids and encrypts either inline or off a crypt pool, a
// receive pipeline that resubmits itself for every incoming packet, a
// single-worker callback dispatcher, and per-type receive queues that
// user code drains with pull/pullable.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tecstylos/securewire/pkg/cipher"
	"github.com/tecstylos/securewire/pkg/config"
	"github.com/tecstylos/securewire/pkg/log"
	"github.com/tecstylos/securewire/pkg/packet"
	"github.com/tecstylos/securewire/pkg/transport"
	"github.com/tecstylos/securewire/pkg/wire"
	"github.com/tecstylos/securewire/pkg/workerpool"
)

// ErrDisconnected is returned by operations that cannot proceed because
// the underlying transport has disconnected.
var ErrDisconnected = errors.New("session: disconnected")

// SentCallback is invoked on the callback stage once a pushed packet's
// header (and body, if any) has been written, or has failed partway.
// n is the number of body bytes actually transferred; n < the packet's
// logical size signals a short write.
type SentCallback func(id uint32, n int)

// RecvCallback is invoked on the callback stage instead of queuing the
// packet into its type's receive queue. n is the number of body bytes
// actually read.
type RecvCallback func(pkt packet.Packet, n int)

// Session is a ManagedSession: a bidirectional packet pipeline running
// over an already-handshaken transport with an installed symmetric
// cipher.
type Session struct {
	t         *transport.Transport
	symCipher *cipher.SymmetricCipher
	cfg       config.SessionConfig
	connID    string
	logger    log.Logger

	sendPool     *workerpool.Pool
	recvPool     *workerpool.Pool
	callbackPool *workerpool.Pool
	cryptPool    *workerpool.Pool // single-worker crypt stage, only when parallel
	computePool  *workerpool.Pool // N-worker compute pool, only when parallel

	nextID atomic32

	sentMu  sync.Mutex
	sentCnd *sync.Cond
	sentID  uint32

	cbMu       sync.Mutex
	sentCbs    map[wire.PacketType]SentCallback
	recvCbs    map[wire.PacketType]RecvCallback

	rqMu   sync.Mutex
	rqCnd  *sync.Cond
	queues map[wire.PacketType][]packet.Packet

	disconnectOnce sync.Once
	disconnected   chan struct{}
}

// atomic32 is a tiny monotonic counter helper kept next to Session so
// the struct above reads top-to-bottom without an extra import line.
type atomic32 struct {
	mu  sync.Mutex
	val uint32
}

func (a *atomic32) next() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.val++
	return a.val
}

// New builds a Session over t using symCipher, which must already be
// installed on t by the handshake layer (Transport exposes no getter
// for it, so callers thread it through explicitly). cfg.CryptoParallelism
// determines whether cipher work runs inline on the send/recv stages or
// is farmed out to a dedicated crypt stage plus compute pool.
func New(t *transport.Transport, symCipher *cipher.SymmetricCipher, cfg config.SessionConfig, connID string, logger log.Logger) *Session {
	if connID == "" {
		connID = uuid.NewString()
	}
	if logger == nil {
		logger = log.NoopLogger{}
	}

	s := &Session{
		t:            t,
		symCipher:    symCipher,
		cfg:          cfg,
		connID:       connID,
		logger:       logger,
		sendPool:     workerpool.New(1),
		recvPool:     workerpool.New(1),
		callbackPool: workerpool.New(1),
		sentCbs:      make(map[wire.PacketType]SentCallback),
		recvCbs:      make(map[wire.PacketType]RecvCallback),
		queues:       make(map[wire.PacketType][]packet.Packet),
		disconnected: make(chan struct{}),
	}
	s.sentCnd = sync.NewCond(&s.sentMu)
	s.rqCnd = sync.NewCond(&s.rqMu)

	if cfg.CryptoParallelism > 0 {
		s.cryptPool = workerpool.New(1)
		s.computePool = workerpool.New(cfg.CryptoParallelism)
	}

	s.registerRecvCallback(wire.KeepAliveRequest, func(pkt packet.Packet, n int) {
		pkt.Release()
		s.Push(wire.KeepAliveReply, 0, 0, nil)
	})

	s.recvPool.Submit(s.recvStage)

	return s
}

// jobs returns the parallelism factor for cipher work, at least 1.
func (s *Session) jobs() int {
	if s.cfg.CryptoParallelism > 0 {
		return s.cfg.CryptoParallelism
	}
	return 1
}

// Push assigns the next monotonic id to a new packet and enqueues it on
// the send pipeline, returning the id so callers can Wait on it. A nil
// body results in a header-only transfer with size 0.
func (s *Session) Push(typ wire.PacketType, flags wire.PacketFlags, reserved uint8, body *packet.PacketBuffer) uint32 {
	id := s.nextID.next()
	size := 0
	if body != nil {
		size = body.Size()
	}
	hdr := wire.PacketHeader{Type: typ, Flags: flags, Reserved: reserved, ID: id, Size: uint64(size)}
	pkt := packet.Packet{Header: hdr, Body: body}

	if s.cfg.CryptoParallelism > 0 && body != nil && size > 0 {
		s.cryptPool.Submit(func() { s.encryptThenHandOff(pkt) })
	} else {
		s.sendPool.Submit(func() { s.sendEncrypt(pkt) })
	}
	return id
}

// encryptThenHandOff runs on the crypt stage in parallel mode: it
// encrypts the body across the compute pool, resizes the buffer to the
// padded length, then hands the already-encrypted packet to the send
// stage so network writes overlap with the next packet's crypto work.
// A packet without a body is handed on without encryption.
func (s *Session) encryptThenHandOff(pkt packet.Packet) {
	if pkt.Body != nil && pkt.Header.Size > 0 {
		plain := pkt.Body.Data()
		cipherText := s.symCipher.EncryptParallel(s.computePool, plain, s.jobs())
		pkt.Body.Resize(len(cipherText))
		pkt.Body.Write(cipherText, len(cipherText), 0)
	}
	s.sendPool.Submit(func() { s.sendNoEncrypt(pkt) })
}

// sendEncrypt writes header and body via WriteSecure, encrypting inline.
func (s *Session) sendEncrypt(pkt packet.Packet) {
	defer pkt.Release()

	hdrBuf := wire.EncodeHeader(pkt.Header)
	if n, err := s.t.WriteSecure(hdrBuf[:], len(hdrBuf)); err != nil || n < len(hdrBuf) {
		s.failSend(pkt.Header, 0)
		s.disconnectOnError(err)
		return
	}

	if pkt.Header.Size == 0 {
		s.completeSend(pkt.Header)
		return
	}

	body := pkt.Body.Data()
	n, err := s.t.WriteSecure(body, len(body))
	if err != nil || n < len(body) {
		s.failSend(pkt.Header, n)
		s.disconnectOnError(err)
		return
	}
	s.completeSend(pkt.Header)
}

// sendNoEncrypt writes the header via WriteSecure (headers are always
// encrypted inline, even in parallel mode) and the already-encrypted
// body via WriteRaw.
func (s *Session) sendNoEncrypt(pkt packet.Packet) {
	defer pkt.Release()

	hdrBuf := wire.EncodeHeader(pkt.Header)
	if n, err := s.t.WriteSecure(hdrBuf[:], len(hdrBuf)); err != nil || n < len(hdrBuf) {
		s.failSend(pkt.Header, 0)
		s.disconnectOnError(err)
		return
	}

	if pkt.Header.Size == 0 {
		s.completeSend(pkt.Header)
		return
	}

	body := pkt.Body.Data()
	n, err := s.t.WriteRaw(body, len(body))
	if err != nil || n < len(body) {
		s.failSend(pkt.Header, n)
		s.disconnectOnError(err)
		return
	}
	s.completeSend(pkt.Header)
}

// completeSend advances current_sent_id, wakes any Wait callers, and
// queues the packet's sent-callback (if any) on the callback stage.
func (s *Session) completeSend(hdr wire.PacketHeader) {
	s.advanceSentID(hdr.ID)
	s.queueSentCallback(hdr.Type, hdr.ID, int(hdr.Size))
}

// failSend is completeSend's counterpart for a short or failed write:
// the sent-callback still fires, reporting the truncated byte count.
func (s *Session) failSend(hdr wire.PacketHeader, n int) {
	s.advanceSentID(hdr.ID)
	s.queueSentCallback(hdr.Type, hdr.ID, n)
}

func (s *Session) advanceSentID(id uint32) {
	s.sentMu.Lock()
	if id > s.sentID {
		s.sentID = id
	}
	s.sentMu.Unlock()
	s.sentCnd.Broadcast()
}

func (s *Session) queueSentCallback(typ wire.PacketType, id uint32, n int) {
	s.cbMu.Lock()
	cb, ok := s.sentCbs[typ]
	s.cbMu.Unlock()
	if !ok {
		return
	}
	s.callbackPool.Submit(func() { cb(id, n) })
}

// disconnectOnError disconnects the transport when a write/read
// returned a hard error (as opposed to merely a short count).
func (s *Session) disconnectOnError(err error) {
	if err != nil {
		s.Disconnect()
	}
}

// recvStage reads one packet, dispatches it, and resubmits itself. It
// runs on the single-worker recv pool so arrival order is preserved.
func (s *Session) recvStage() {
	select {
	case <-s.disconnected:
		return
	default:
	}

	hdrBuf := make([]byte, wire.HeaderSize)
	n, err := s.t.ReadSecure(hdrBuf, len(hdrBuf))
	if err != nil || n < len(hdrBuf) {
		s.Disconnect()
		return
	}
	hdr, err := wire.DecodeHeader(hdrBuf)
	if err != nil {
		s.Disconnect()
		return
	}

	var body *packet.PacketBuffer
	received := 0
	if hdr.Size > 0 {
		padded := wire.PadUpInt(int(hdr.Size))
		body = packet.NewPacketBuffer(padded)
		buf := make([]byte, padded)

		if s.cfg.CryptoParallelism > 0 {
			rn, rerr := s.t.ReadRaw(buf, padded)
			received = rn
			if rerr != nil || rn < padded {
				body.Release()
				s.Disconnect()
				return
			}
			// Resubmitted here so the next raw read is queued as soon as
			// possible, but recvPool has one worker and this call stack
			// keeps holding it through decrypt and dispatch below, so the
			// next read doesn't actually start until this one returns.
			// Moving decrypt/dispatch onto computePool would let the two
			// overlap, but computePool workers finish out of ticket order,
			// which would risk breaking receive-side ordering; left serial
			// on this worker since arrival order is a hard guarantee and
			// this pipeline is correct, just not maximally overlapped.
			s.recvPool.Submit(s.recvStage)
			plain, derr := s.symCipher.DecryptParallel(s.computePool, buf, s.jobs())
			if derr != nil {
				body.Release()
				s.Disconnect()
				return
			}
			body.Write(plain, len(plain), 0)
			body.Resize(int(hdr.Size))
			s.dispatch(packet.Packet{Header: hdr, Body: body}, received)
			return
		}

		rn, rerr := s.t.ReadSecure(buf, padded)
		received = rn
		if rerr != nil || rn < padded {
			body.Release()
			s.Disconnect()
			return
		}
		body.Write(buf, len(buf), 0)
		body.Resize(int(hdr.Size))
	}

	s.dispatch(packet.Packet{Header: hdr, Body: body}, received)
	s.recvPool.Submit(s.recvStage)
}

// dispatch routes a fully-read packet either to its registered
// recv-callback (queued on the callback stage) or to its type queue.
func (s *Session) dispatch(pkt packet.Packet, n int) {
	s.cbMu.Lock()
	cb, ok := s.recvCbs[pkt.Header.Type]
	s.cbMu.Unlock()
	if ok {
		s.callbackPool.Submit(func() { cb(pkt, n) })
		return
	}

	s.rqMu.Lock()
	if pkt.Header.Flags.Has(wire.FlagRemovePrevious) {
		for _, old := range s.queues[pkt.Header.Type] {
			old.Release()
		}
		s.queues[pkt.Header.Type] = nil
	}
	s.queues[pkt.Header.Type] = append(s.queues[pkt.Header.Type], pkt)
	s.rqCnd.Broadcast()
	s.rqMu.Unlock()
}

// RegisterSentCallback installs cb to run whenever a packet of typ
// finishes its send (successfully or with a short write). Passing a
// nil cb deregisters.
func (s *Session) RegisterSentCallback(typ wire.PacketType, cb SentCallback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if cb == nil {
		delete(s.sentCbs, typ)
		return
	}
	s.sentCbs[typ] = cb
}

// RegisterRecvCallback installs cb to run for every packet of typ
// instead of queuing it into that type's receive queue. Passing a nil
// cb deregisters, restoring queue-based delivery.
func (s *Session) RegisterRecvCallback(typ wire.PacketType, cb RecvCallback) {
	s.registerRecvCallback(typ, cb)
}

func (s *Session) registerRecvCallback(typ wire.PacketType, cb RecvCallback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if cb == nil {
		delete(s.recvCbs, typ)
		return
	}
	s.recvCbs[typ] = cb
}

// Pull blocks until a packet matching typ is available (any type if
// typ is wire.Undefined) or the transport disconnects, in which case
// it returns a zero-valued packet.Packet and ok=false.
func (s *Session) Pull(typ wire.PacketType) (packet.Packet, bool) {
	s.rqMu.Lock()
	for {
		if pkt, ok := s.popLocked(typ); ok {
			s.rqMu.Unlock()
			return pkt, true
		}
		select {
		case <-s.disconnected:
			s.rqMu.Unlock()
			return packet.Packet{}, false
		default:
		}
		s.rqCnd.Wait()
	}
}

// PullTimeout is Pull bounded by a wall-clock deadline. It returns
// ok=false both on disconnect and on timeout.
func (s *Session) PullTimeout(typ wire.PacketType, timeout time.Duration) (packet.Packet, bool) {
	result := make(chan struct {
		pkt packet.Packet
		ok  bool
	}, 1)
	go func() {
		pkt, ok := s.Pull(typ)
		result <- struct {
			pkt packet.Packet
			ok  bool
		}{pkt, ok}
	}()
	select {
	case r := <-result:
		return r.pkt, r.ok
	case <-time.After(timeout):
		return packet.Packet{}, false
	}
}

// popLocked removes and returns the first available packet for typ (or
// any type, if typ is Undefined). Caller must hold rqMu.
func (s *Session) popLocked(typ wire.PacketType) (packet.Packet, bool) {
	if typ != wire.Undefined {
		q := s.queues[typ]
		if len(q) == 0 {
			return packet.Packet{}, false
		}
		pkt := q[0]
		s.queues[typ] = q[1:]
		return pkt, true
	}
	for t, q := range s.queues {
		if len(q) > 0 {
			pkt := q[0]
			s.queues[t] = q[1:]
			return pkt, true
		}
	}
	return packet.Packet{}, false
}

// Pullable returns the number of queued packets of typ.
func (s *Session) Pullable(typ wire.PacketType) int {
	s.rqMu.Lock()
	defer s.rqMu.Unlock()
	return len(s.queues[typ])
}

// TypesPullable returns every packet type with at least one queued packet.
func (s *Session) TypesPullable() []wire.PacketType {
	s.rqMu.Lock()
	defer s.rqMu.Unlock()
	types := make([]wire.PacketType, 0, len(s.queues))
	for t, q := range s.queues {
		if len(q) > 0 {
			types = append(types, t)
		}
	}
	return types
}

// Wait blocks until current_sent_id has reached id, i.e. the
// packet assigned id (and everything pushed before it) has completed
// its send. Consistent with workerpool.Pool.WaitTicket's >= convention.
func (s *Session) Wait(id uint32) {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()
	for s.sentID < id {
		s.sentCnd.Wait()
	}
}

// Clear discards queued-but-not-yet-started send jobs and every queued
// received packet, releasing their PacketBuffers.
func (s *Session) Clear() {
	s.sendPool.Clear()
	if s.cryptPool != nil {
		s.cryptPool.Clear()
	}

	s.rqMu.Lock()
	for typ, q := range s.queues {
		for _, pkt := range q {
			pkt.Release()
		}
		delete(s.queues, typ)
	}
	s.rqMu.Unlock()
}

// Disconnect closes the underlying transport and wakes every blocked
// Pull/Wait caller. It is idempotent.
func (s *Session) Disconnect() error {
	var err error
	s.disconnectOnce.Do(func() {
		close(s.disconnected)
		err = s.t.Disconnect()
		s.rqCnd.Broadcast()
		s.sentCnd.Broadcast()

		s.logger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: s.connID,
			Layer:        log.LayerSession,
			Category:     log.CategoryState,
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntitySession,
				OldState: "CONNECTED",
				NewState: "DISCONNECTED",
			},
		})
	})
	return err
}

// Connected reports whether the underlying transport is still usable.
func (s *Session) Connected() bool {
	return s.t.Connected()
}

// Disconnected returns a channel that closes once the session
// disconnects, letting callers block on session teardown without
// polling Connected.
func (s *Session) Disconnected() <-chan struct{} {
	return s.disconnected
}

// RunIdleKeepAlive polls the transport's DataMetrics every idleAfter
// interval; if neither bytes read nor bytes written changed since the
// last poll, it pushes a KEEP_ALIVE_REQUEST and expects a
// KEEP_ALIVE_REPLY before the next poll, disconnecting the session if
// none arrives. It returns when ctx is canceled or the session
// disconnects.
func (s *Session) RunIdleKeepAlive(ctx context.Context, idleAfter time.Duration) {
	ticker := time.NewTicker(idleAfter)
	defer ticker.Stop()

	metrics := s.t.Metrics()
	last := metrics.Snap()

	replyCh := make(chan struct{}, 1)
	s.RegisterRecvCallback(wire.KeepAliveReply, func(pkt packet.Packet, n int) {
		pkt.Release()
		select {
		case replyCh <- struct{}{}:
		default:
		}
	})
	defer s.RegisterRecvCallback(wire.KeepAliveReply, nil)

	awaitingReply := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.disconnected:
			return
		case <-replyCh:
			awaitingReply = false
		case <-ticker.C:
			if !last.Unchanged(metrics) {
				awaitingReply = false
				last = metrics.Snap()
				continue
			}
			if awaitingReply {
				s.Disconnect()
				return
			}
			// Snapshot only after the request is written, so its own
			// bytes are not mistaken for peer activity on the next poll.
			s.Wait(s.Push(wire.KeepAliveRequest, 0, 0, nil))
			awaitingReply = true
			last = metrics.Snap()
		}
	}
}
