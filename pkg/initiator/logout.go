package initiator

import (
	"fmt"

	"iscsiinit/pkg/common"
	"iscsiinit/pkg/pdu"
)

// Logout request reason codes, RFC 7143 §11.14.1.
const (
	logoutReasonSession    byte = 0
	logoutReasonConnection byte = 1
)

// logout runs one Logout Request/Response round trip and reports whether
// the target accepted it (Reason 0). It does not itself close the TCP
// connection — its caller (Pool.LogoutSession) closes it after the
// response, keeping the wire exchange and the socket teardown as separate
// concerns.
func logout(conn *Connection, itt, cmdSN, expStatSN *Counter, reasonCode byte) error {
	tag := NextITT(itt)
	req := &pdu.PDU{
		OpCode:           pdu.OpLogoutReq,
		InitiatorTaskTag: tag,
		ReasonCode:       reasonCode,
		CmdSN:            cmdSN.FetchAdd(1),
		ExpStatSN:        expStatSN.Load(),
	}

	task := conn.Submit(tag)
	if err := conn.SendPDU(req); err != nil {
		conn.Deregister(tag)
		return err
	}
	pdus, err := Await(task)
	if err != nil {
		return err
	}
	if len(pdus) != 1 {
		return common.NewError(common.KindProtocolError, fmt.Sprintf("expected exactly one Logout Response, got %d", len(pdus)))
	}
	resp := pdus[0]
	if resp.OpCode != pdu.OpLogoutResp {
		return common.NewError(common.KindProtocolError, fmt.Sprintf("expected Logout Response, got %v", resp.OpCode))
	}
	expStatSN.Set(resp.StatSN + 1)
	if resp.Reason != 0 {
		return common.NewError(common.KindProtocolError, fmt.Sprintf("logout rejected, reason %#x", resp.Reason))
	}
	return nil
}
