// Package initiator implements the connection multiplexer, Login/NOP/READ/
// WRITE state machines, and the session Pool of the iSCSI initiator core.
package initiator

import (
	"io"
	"net"
	"sync"
	"time"

	"iscsiinit/pkg/common"
	"iscsiinit/pkg/logger"
	"iscsiinit/pkg/pdu"

	uuid "github.com/satori/go.uuid"
	"golang.org/x/sys/unix"
)

// DigestSettings mirrors the negotiated HeaderDigest/DataDigest keys a
// Connection applies to every PDU it sends or decodes once Login completes.
type DigestSettings struct {
	HeaderDigest bool
	DataDigest   bool
}

// taskEvent is one delivery to a pending task: either a decoded PDU in
// receive order, or the terminal error that tore the connection down.
type taskEvent struct {
	pdu *pdu.PDU
	err error
}

// pendingTask is the completion slot registered under one Initiator Task
// Tag. events is closed exactly once, after the final event (a finality
// PDU or a connection-teardown error) has been sent, so a consumer can
// simply range over it until closed.
type pendingTask struct {
	events chan taskEvent
	once   sync.Once
}

func newPendingTask() *pendingTask {
	return &pendingTask{events: make(chan taskEvent, 16)}
}

func (t *pendingTask) deliver(p *pdu.PDU, final bool) {
	t.events <- taskEvent{pdu: p}
	if final {
		t.once.Do(func() { close(t.events) })
	}
}

func (t *pendingTask) fail(err error) {
	t.events <- taskEvent{err: err}
	t.once.Do(func() { close(t.events) })
}

// Connection owns one full-duplex TCP stream to a target. Its read half is
// owned exclusively by the reader loop; its write half is serialized by
// writeMu so concurrent FSM writers don't interleave partial PDUs, without
// blocking the reader (the mutex is only ever held across the raw write,
// never across an await on a response).
type Connection struct {
	conn net.Conn

	writeMu sync.Mutex
	digest  DigestSettings

	pendingMu sync.Mutex
	pending   map[uint32]*pendingTask
	closed    bool
	closeErr  error

	ioTimeout time.Duration

	readerDone chan struct{}

	CorrelationID string
}

// DialOptions carries the subset of transport tuning the core's external
// interface names (dial timeout, per-op I/O timeout, keepalive tuning).
type DialOptions struct {
	DialTimeout time.Duration
	IOTimeout   time.Duration
	Keepalive   time.Duration
}

// Connect dials address, applies TCP keepalive tuning, and starts the
// reader loop. The returned Connection has no negotiated digests yet —
// EnableDigests is called once Login completes.
func Connect(address string, opts DialOptions) (*Connection, error) {
	dialer := net.Dialer{Timeout: opts.DialTimeout}
	rawConn, err := dialer.Dial("tcp", address)
	if err != nil {
		return nil, common.WrapError(common.KindTransport, "dial", err)
	}
	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		setKeepaliveParameters(tcpConn, opts.Keepalive)
	}

	c := &Connection{
		conn:          rawConn,
		pending:       make(map[uint32]*pendingTask),
		ioTimeout:     opts.IOTimeout,
		readerDone:    make(chan struct{}),
		CorrelationID: uuid.NewV1().String(),
	}
	go c.readLoop()
	return c, nil
}

// setKeepaliveParameters mirrors the teacher's raw socket-option tuning in
// iscsi_tcp_server.go, adapted from syscall to golang.org/x/sys/unix and
// from the accept side to the dial side.
func setKeepaliveParameters(conn *net.TCPConn, period time.Duration) {
	log := logger.GetLogger()
	if period <= 0 {
		return
	}
	_ = conn.SetKeepAlive(true)
	_ = conn.SetKeepAlivePeriod(period)

	rawConn, err := conn.SyscallConn()
	if err != nil {
		log.Warnf("cannot get raw conn for keepalive tuning: %v", err)
		return
	}
	secs := int(period.Seconds())
	if secs < 1 {
		secs = 1
	}
	ctrlErr := rawConn.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
	if ctrlErr != nil {
		log.Warnf("keepalive sockopt tuning failed: %v", ctrlErr)
	}
}

// EnableDigests switches the wire format the Connection reads and writes.
// Per spec §4.2, the transition takes effect starting from the first PDU
// sent by the side that proposed the final Transit=1 after Full-Feature is
// entered; Pool.LoginSession (pool.go) invokes this right after the Login
// FSM's Execute returns.
func (c *Connection) EnableDigests(d DigestSettings) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.digest = d
}

// Submit registers a fresh completion slot for itt. Double-registration of
// the same ITT is a programmer error and panics, per spec §4.2.
func (c *Connection) Submit(itt uint32) *pendingTask {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.closed {
		t := newPendingTask()
		t.fail(c.closeErr)
		return t
	}
	if _, exists := c.pending[itt]; exists {
		panic("initiator: double registration of ITT")
	}
	t := newPendingTask()
	c.pending[itt] = t
	return t
}

// Deregister idempotently removes itt's completion slot, for callers that
// abandon a task (cancellation) without waiting for a final PDU.
func (c *Connection) Deregister(itt uint32) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, itt)
}

// SendPDU serializes p and writes it under the write mutex. The mutex is
// held only across the raw write call, never across an await, so writers
// never head-of-line-block the reader.
func (c *Connection) SendPDU(p *pdu.PDU) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ioTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout))
	}
	if err := pdu.WritePDU(c.conn, p, c.digest.HeaderDigest, c.digest.DataDigest); err != nil {
		if isTimeout(err) {
			return common.WrapError(common.KindTimeout, "write timeout", err)
		}
		return err
	}
	return nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	if ce, ok := common.AsCoreError(err); ok {
		if t, ok2 := ce.Unwrap().(timeouter); ok2 {
			return t.Timeout()
		}
	}
	return false
}

// readLoop is the single task that owns the read half. It decodes one PDU
// at a time, dispatches to the matching pending task by ITT, handles
// unsolicited NOP-In auto-reply, and on any fatal read error tears down
// every pending task with that error (translated by translateReadErr).
func (c *Connection) readLoop() {
	tagged := logger.GetLogger().WithCorrelation(c.CorrelationID)
	log := &tagged
	defer close(c.readerDone)
	for {
		if c.ioTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.ioTimeout))
		}
		p, err := pdu.ReadPDU(c.conn, c.digest.HeaderDigest, c.digest.DataDigest)
		if err != nil {
			c.fail(translateReadErr(err))
			return
		}
		c.dispatch(p, log)
	}
}

func translateReadErr(err error) error {
	if err == io.EOF {
		return common.WrapError(common.KindTransport, "connection closed by peer", err)
	}
	if isTimeout(err) {
		return common.WrapError(common.KindTimeout, "read timeout", err)
	}
	return err
}

func (c *Connection) dispatch(p *pdu.PDU, log *logger.Logger) {
	// Unsolicited NOP-In: target-driven ping, auto-replied inside the
	// reader, never surfaced to an FSM (spec §4.2, §4.4, scenario S5).
	if p.OpCode == pdu.OpNoopIn && p.InitiatorTaskTag == pdu.ITTUnsolicited {
		c.replyToUnsolicitedNop(p, log)
		return
	}

	itt := p.InitiatorTaskTag
	if p.OpCode == pdu.OpReject {
		if len(p.RawData) >= pdu.BasicHeaderSegmentSize {
			if rejected, err := pdu.DecodeHeader(p.RawData[:pdu.BasicHeaderSegmentSize]); err == nil {
				itt = rejected.InitiatorTaskTag
			}
		}
	}

	final := p.IsFinalForITT()
	c.pendingMu.Lock()
	task, ok := c.pending[itt]
	if ok && final {
		delete(c.pending, itt)
	}
	c.pendingMu.Unlock()

	if !ok {
		log.Debugf("dropping unmatched PDU opcode=%v itt=%#x", p.OpCode, itt)
		return
	}
	task.deliver(p, final)
}

func (c *Connection) replyToUnsolicitedNop(p *pdu.PDU, log *logger.Logger) {
	if p.TargetTransferTag == pdu.TTTNone {
		return
	}
	reply := &pdu.PDU{
		OpCode:            pdu.OpNoopOut,
		InitiatorTaskTag:  pdu.ITTUnsolicited,
		TargetTransferTag: p.TargetTransferTag,
		RawData:           p.RawData,
	}
	if err := c.SendPDU(reply); err != nil {
		log.Warnf("unsolicited NOP-In auto-reply failed: %v", err)
	}
}

// fail tears the connection down: every pending task receives err as its
// final event, satisfying the "completed exactly once" invariant even on
// disconnect.
func (c *Connection) fail(err error) {
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[uint32]*pendingTask)
	c.pendingMu.Unlock()

	for _, task := range pending {
		task.fail(err)
	}
	_ = c.conn.Close()
}

// Close tears the connection down from the caller's side.
func (c *Connection) Close() error {
	c.fail(common.NewError(common.KindConnectionClosed, "closed by caller"))
	<-c.readerDone
	return nil
}

// ClosedErr returns the error that tore the connection down, or nil while
// it is still live.
func (c *Connection) ClosedErr() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.closeErr
}

// Await blocks until t's completion channel closes, returning every PDU
// delivered in receive order, or the connection-teardown error if the task
// never reached a final PDU.
func Await(t *pendingTask) ([]*pdu.PDU, error) {
	var out []*pdu.PDU
	for ev := range t.events {
		if ev.err != nil {
			return out, ev.err
		}
		out = append(out, ev.pdu)
	}
	return out, nil
}

// Next reads one event off t, used by FSMs that must react to each PDU as
// it arrives rather than waiting for task finality (e.g. READ copying each
// Data-In fragment into the caller's buffer as it lands).
func Next(t *pendingTask) (*pdu.PDU, error, bool) {
	ev, ok := <-t.events
	if !ok {
		return nil, nil, false
	}
	return ev.pdu, ev.err, true
}
