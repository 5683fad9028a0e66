package initiator

import (
	"fmt"

	"iscsiinit/pkg/common"
	"iscsiinit/pkg/pdu"
)

// Ping runs one initiator-driven NOP-Out/NOP-In round trip (spec §4.4,
// scenario S5's other half: the initiator proactively probing liveness
// rather than answering a target-driven ping, which Connection.dispatch
// already handles on its own).
func Ping(conn *Connection, itt, cmdSN, expStatSN *Counter, lun uint64) error {
	tag := NextITT(itt)
	req := &pdu.PDU{
		OpCode:            pdu.OpNoopOut,
		Immediate:         true,
		LUN:               lun,
		InitiatorTaskTag:  tag,
		TargetTransferTag: pdu.TTTNone,
		CmdSN:             cmdSN.Load(),
		ExpStatSN:         expStatSN.Load(),
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
		return common.NewError(common.KindProtocolError, fmt.Sprintf("expected exactly one NOP-In, got %d", len(pdus)))
	}
	resp := pdus[0]
	if resp.OpCode != pdu.OpNoopIn {
		return common.NewError(common.KindProtocolError, fmt.Sprintf("expected NOP-In, got %v", resp.OpCode))
	}
	expStatSN.Set(resp.StatSN + 1)
	return nil
}
