package initiator

import (
	"fmt"

	"iscsiinit/pkg/common"
	"iscsiinit/pkg/pdu"
	"iscsiinit/pkg/scsi"
)

// ReadResult is what a completed READ command hands back: the assembled
// data (fragments appended in arrival order, each required to start where
// the previous one ended, since DataPDUInOrder/DataSequenceInOrder are both
// pinned to Yes, per config.Validate), plus status and, on CheckCondition,
// parsed sense.
type ReadResult struct {
	Data     []byte
	Status   byte
	Sense    *scsi.CommandError
	Residual uint32
}

// Read runs one READ command to completion: send SCSI Command, then react
// to each Data-In fragment as it lands rather than buffering the whole task
// (spec §4.5 READ FSM: Start -> Wait -> Finish), grounded in the original
// initiator's read_states.rs send_read_request/recv_any/apply_datain_append/
// finalize_status_after_datain.
func Read(conn *Connection, itt, cmdSN, expStatSN *Counter, lun uint64, cdb []byte, transferLen uint32) (*ReadResult, error) {
	tag := NextITT(itt)
	req := &pdu.PDU{
		OpCode:                     pdu.OpSCSICmd,
		LUN:                        lun,
		InitiatorTaskTag:           tag,
		Read:                       true,
		Attribute:                  scsi.AttrSimple,
		ExpectedDataTransferLength: transferLen,
		CmdSN:                      cmdSN.FetchAdd(1),
		ExpStatSN:                  expStatSN.Load(),
		CDB:                        cdb,
	}

	task := conn.Submit(tag)
	if err := conn.SendPDU(req); err != nil {
		conn.Deregister(tag)
		return nil, err
	}

	result := &ReadResult{Data: make([]byte, 0, transferLen)}
	haveDataSN := false
	var lastDataSN uint32
	for {
		p, err, ok := Next(task)
		if !ok {
			return nil, common.NewError(common.KindConnectionClosed, "connection closed before READ completed")
		}
		if err != nil {
			return nil, err
		}
		switch p.OpCode {
		case pdu.OpSCSIIn:
			if haveDataSN && p.DataSN <= lastDataSN {
				return nil, common.NewError(common.KindProtocolError, fmt.Sprintf("Data-In DataSN did not increase: got %d, last %d", p.DataSN, lastDataSN))
			}
			lastDataSN = p.DataSN
			haveDataSN = true
			if err := applyDataIn(result, p); err != nil {
				return nil, err
			}
			if p.S {
				finalizeStatus(result, p)
				expStatSN.Set(p.StatSN + 1)
				return finishRead(result, transferLen)
			}
		case pdu.OpSCSIResp:
			result.Status = p.Status
			result.Residual = p.Residual
			if p.Status == scsi.StatusCheckCondition {
				result.Sense = scsi.ParseSense(p.RawData)
			}
			expStatSN.Set(p.StatSN + 1)
			return finishRead(result, transferLen)
		case pdu.OpReject:
			return nil, common.RejectError(p.Reason)
		default:
			return nil, common.NewError(common.KindProtocolError, fmt.Sprintf("unexpected opcode %v during READ", p.OpCode))
		}
	}
}

// applyDataIn appends one Data-In fragment's payload to result.Data,
// rejecting a fragment whose BufferOffset isn't exactly where the
// accumulated data left off: out-of-order or overlapping delivery is a
// ProtocolError (spec §4.5 Ordering, §7), since DataPDUInOrder/
// DataSequenceInOrder are both pinned to Yes by config.Validate.
func applyDataIn(result *ReadResult, p *pdu.PDU) error {
	off := int(p.BufferOffset)
	if off != len(result.Data) {
		return common.NewError(common.KindProtocolError, fmt.Sprintf("out-of-order Data-In: BufferOffset=%d, expected %d", off, len(result.Data)))
	}
	result.Data = append(result.Data, p.RawData...)
	return nil
}

// finalizeStatus applies the status carried on a Data-In fragment that has
// S=1: a phase-collapsed response, valid only for Good status, so there is
// no separate sense buffer to parse (CheckCondition always arrives on its
// own SCSI Response PDU).
func finalizeStatus(result *ReadResult, p *pdu.PDU) {
	result.Status = p.Status
	result.Residual = p.Residual
}

// finishRead validates the assembled length against what the target
// promised (transferLen, reduced by any Residual it reported) before
// handing the result back, matching the original initiator's Finish state
// (read_states.rs: requested - residual != got is a fatal mismatch rather
// than a silently short buffer).
func finishRead(result *ReadResult, transferLen uint32) (*ReadResult, error) {
	expected := int(transferLen) - int(result.Residual)
	if expected < 0 {
		expected = 0
	}
	if len(result.Data) != expected {
		return nil, common.NewError(common.KindProtocolError, fmt.Sprintf(
			"read length mismatch: requested=%d residual=%d expected=%d got=%d",
			transferLen, result.Residual, expected, len(result.Data)))
	}
	return result, nil
}
