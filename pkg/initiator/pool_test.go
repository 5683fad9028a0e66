package initiator

import (
	"net"
	"testing"
	"time"

	"iscsiinit/pkg/config"
	"iscsiinit/pkg/pdu"
)

// fakeTarget accepts exactly one connection and runs handle against it.
func fakeTarget(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handle(conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestPoolLoginSessionSeedsCountersFromLoginResponse(t *testing.T) {
	addr := fakeTarget(t, func(conn net.Conn) {
		defer conn.Close()
		req, err := pdu.ReadPDU(conn, false, false)
		if err != nil || req.OpCode != pdu.OpLoginReq {
			return
		}
		resp := &pdu.PDU{
			OpCode: pdu.OpLoginResp, Transit: true, CurrentStage: pdu.StageOperationalNegotiation, NextStage: pdu.StageFullFeaturePhase,
			ISID: req.ISID, TSIH: 0x0042, InitiatorTaskTag: req.InitiatorTaskTag,
			StatSN: 5, ExpCmdSN: req.CmdSN + 1, MaxCmdSN: 64,
			RawData: []byte("HeaderDigest=None\x00DataDigest=None\x00"),
		}
		if err := pdu.WritePDU(conn, resp, false, false); err != nil {
			return
		}
		// Keep the connection open so the pool's logout round trip at the
		// end of this test has somewhere to write; no Logout Response is
		// sent, and the connection closes once that request is read.
		_, _ = pdu.ReadPDU(conn, false, false)
	})

	cfg := config.Default()
	cfg.Login.Identity.InitiatorName = "iqn.2026-08.com.example:init1"
	cfg.Login.Identity.TargetName = "iqn.2026-08.com.example:target1"
	cfg.Login.Transport.TargetAddress = addr
	cfg.Login.Transport.DialTimeout = 2 * time.Second
	cfg.Login.Transport.IOTimeout = 2 * time.Second

	pool := NewPool(4)
	session, err := pool.LoginSession(cfg)
	if err != nil {
		t.Fatalf("LoginSession: %v", err)
	}
	if session.TSIH != 0x0042 {
		t.Fatalf("TSIH = %#x, want 0x0042", session.TSIH)
	}
	if session.expStatSN.Load() != 6 {
		t.Fatalf("expStatSN = %d, want 6 (StatSN+1)", session.expStatSN.Load())
	}
	// The Login Request's own CmdSN is 0 (a fresh Counter's first FetchAdd),
	// so the fake target's ExpCmdSN=req.CmdSN+1=1 is what cmdSN should be
	// seeded from, per login_one_and_insert_impl.
	if session.cmdSN.Load() != 1 {
		t.Fatalf("cmdSN = %d, want 1 (seeded from the response's ExpCmdSN)", session.cmdSN.Load())
	}
	if got, ok := pool.Session(session.TSIH); !ok || got != session {
		t.Fatal("Session() did not return the pooled session")
	}
	_ = pool.LogoutAll()
}

func TestPoolLoginSessionRejectsOverCapacity(t *testing.T) {
	pool := NewPool(0)
	cfg := config.Default()
	cfg.Login.Identity.InitiatorName = "iqn.2026-08.com.example:init1"
	cfg.Login.Identity.TargetName = "iqn.2026-08.com.example:target1"
	cfg.Login.Transport.TargetAddress = "127.0.0.1:1"
	if _, err := pool.LoginSession(cfg); err == nil {
		t.Fatal("expected an error when the pool is already at capacity")
	}
}

func TestPoolLoginSessionRejectsInvalidConfig(t *testing.T) {
	pool := NewPool(1)
	cfg := config.Default() // missing InitiatorName/TargetName/TargetAddress
	if _, err := pool.LoginSession(cfg); err == nil {
		t.Fatal("expected Validate() to reject an incomplete config before dialing")
	}
}
