package initiator

import (
	"net"
	"testing"

	"iscsiinit/pkg/pdu"
)

func TestLogoutRoundTrip(t *testing.T) {
	clientSide, targetSide := net.Pipe()
	defer targetSide.Close()
	conn := newTestConnection(clientSide)
	defer conn.Close()

	go func() {
		req, err := pdu.ReadPDU(targetSide, false, false)
		if err != nil || req.OpCode != pdu.OpLogoutReq {
			return
		}
		resp := &pdu.PDU{OpCode: pdu.OpLogoutResp, Reason: 0, InitiatorTaskTag: req.InitiatorTaskTag, StatSN: 1, ExpCmdSN: req.CmdSN + 1, MaxCmdSN: 16}
		_ = pdu.WritePDU(targetSide, resp, false, false)
	}()

	itt, cmdSN, expStatSN := NewCounter(0), NewCounter(1), NewCounter(1)
	if err := logout(conn, itt, cmdSN, expStatSN, logoutReasonSession); err != nil {
		t.Fatalf("logout: %v", err)
	}
}

func TestLogoutSurfacesRejection(t *testing.T) {
	clientSide, targetSide := net.Pipe()
	defer targetSide.Close()
	conn := newTestConnection(clientSide)
	defer conn.Close()

	go func() {
		req, err := pdu.ReadPDU(targetSide, false, false)
		if err != nil {
			return
		}
		resp := &pdu.PDU{OpCode: pdu.OpLogoutResp, Reason: 0x01, InitiatorTaskTag: req.InitiatorTaskTag, StatSN: 1, ExpCmdSN: req.CmdSN + 1, MaxCmdSN: 16}
		_ = pdu.WritePDU(targetSide, resp, false, false)
	}()

	itt, cmdSN, expStatSN := NewCounter(0), NewCounter(1), NewCounter(1)
	if err := logout(conn, itt, cmdSN, expStatSN, logoutReasonSession); err == nil {
		t.Fatal("expected an error for a non-zero logout response reason")
	}
}
