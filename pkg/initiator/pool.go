package initiator

import (
	"sync"

	uuid "github.com/satori/go.uuid"

	"iscsiinit/pkg/common"
	"iscsiinit/pkg/config"
)

// Session is one iSCSI session: the TSIH/ISID pair the target assigned at
// Login, its single Connection (MC/S is a Non-goal; config.Validate already
// rejects MaxConnections>1), and the per-session sequence counters every
// FSM shares by reference rather than through any global state (spec §9).
type Session struct {
	TSIH       uint16
	ISID       uint64
	TargetName string

	conn *Connection

	itt       *Counter
	cmdSN     *Counter
	expStatSN *Counter

	CorrelationID string
}

// Pool owns every live Session, bounded by the maxSessions given to NewPool
// (cfg.Runtime.MaxSessions is not consulted), and is the
// entry point external callers use to log in, run commands, and log out —
// grounded in the original initiator's Pool/login_and_insert/execute_with.
type Pool struct {
	mu          sync.Mutex
	sessions    map[uint16]*Session
	maxSessions uint32
}

func NewPool(maxSessions uint32) *Pool {
	return &Pool{sessions: make(map[uint16]*Session), maxSessions: maxSessions}
}

// LoginSession dials cfg.Login.Transport.TargetAddress, runs the Login FSM,
// and inserts the resulting Session, seeding its counters from the final
// Login Response exactly as the original initiator's login_one_and_insert_impl
// does: cmd_sn from ExpCmdSN, itt_gen from InitiatorTaskTag+1, exp_stat_sn
// from StatSN+1.
func (p *Pool) LoginSession(cfg config.SessionConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if uint32(len(p.sessions)) >= p.maxSessions {
		p.mu.Unlock()
		return nil, common.NewError(common.KindProtocolError, "session pool at capacity")
	}
	p.mu.Unlock()

	conn, err := Connect(cfg.Login.Transport.TargetAddress, DialOptions{
		DialTimeout: cfg.Login.Transport.DialTimeout,
		IOTimeout:   cfg.Login.Transport.IOTimeout,
		Keepalive:   cfg.Runtime.TimeoutConnection,
	})
	if err != nil {
		return nil, err
	}

	isid := newISID()
	loginItt := NewCounter(0)
	loginCmdSN := NewCounter(0)
	login := NewLoginCtx(conn, &cfg, isid, 0, loginItt, loginCmdSN)
	status, err := login.Execute()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	conn.EnableDigests(status.Digests)

	session := &Session{
		TSIH:          status.TSIH,
		ISID:          isid,
		TargetName:    cfg.Login.Identity.TargetName,
		conn:          conn,
		itt:           NewCounter(0),
		cmdSN:         NewCounter(status.ExpCmdSN),
		expStatSN:     NewCounter(status.StatSN + 1),
		CorrelationID: conn.CorrelationID,
	}
	session.itt.Set(loginItt.Load())

	p.mu.Lock()
	p.sessions[session.TSIH] = session
	p.mu.Unlock()
	return session, nil
}

// newISID synthesizes a locally-unique ISID. The core does not claim a
// particular IANA enterprise number, so it uses a UUID-derived value
// truncated to the 48 bits ISID occupies on the wire — sufficient for
// this core's single-initiator-process use, not a registered T-format ISID.
func newISID() uint64 {
	id := uuid.NewV1()
	var v uint64
	for i := 0; i < 6; i++ {
		v = v<<8 | uint64(id.Bytes()[i])
	}
	return v
}

// Session returns the pooled session for tsih, if any.
func (p *Pool) Session(tsih uint16) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[tsih]
	return s, ok
}

// LogoutSession sends a Logout Request with reason Session Close and
// removes the session from the pool regardless of the target's reply,
// mirroring logout_session's teardown-even-on-error discipline.
func (p *Pool) LogoutSession(session *Session) error {
	err := logout(session.conn, session.itt, session.cmdSN, session.expStatSN, logoutReasonSession)
	p.mu.Lock()
	delete(p.sessions, session.TSIH)
	p.mu.Unlock()
	closeErr := session.conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// LogoutAll tears down every session in the pool, not stopping on
// individual failures; it returns the first failure, if any.
func (p *Pool) LogoutAll() error {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := p.LogoutSession(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ExecuteWith runs build against session's connection and shared counters,
// the generic equivalent of the original initiator's execute_with: callers
// supply a closure that drives one FSM (Read, Write, Ping, ...) and get its
// typed result back without the Pool needing to know which FSM it was.
func ExecuteWith[Result any](session *Session, build func(conn *Connection, itt, cmdSN, expStatSN *Counter) (Result, error)) (Result, error) {
	return build(session.conn, session.itt, session.cmdSN, session.expStatSN)
}
