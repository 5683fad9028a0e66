package initiator

import (
	"fmt"

	"iscsiinit/pkg/common"
	"iscsiinit/pkg/config"
	"iscsiinit/pkg/pdu"
	"iscsiinit/pkg/scsi"
)

// WriteResult mirrors ReadResult for the WRITE path.
type WriteResult struct {
	Status   byte
	Sense    *scsi.CommandError
	Residual uint32
}

// Write runs one WRITE command to completion, choosing between the
// unsolicited ImmediateData burst and the R2T-driven path per the
// negotiated WriteFlow keys (spec §4.6 WRITE FSM), grounded in the
// original initiator's write_states.rs send_unsolicited_window/R2T loop.
func Write(conn *Connection, cfg *config.SessionConfig, itt, cmdSN, expStatSN *Counter, lun uint64, cdb []byte, data []byte) (*WriteResult, error) {
	tag := NextITT(itt)
	wf := cfg.Login.WriteFlow
	flow := cfg.Login.Flow

	immediateLen := 0
	if wf.ImmediateData {
		immediateLen = len(data)
		if immediateLen > int(flow.FirstBurstLength) {
			immediateLen = int(flow.FirstBurstLength)
		}
		if immediateLen > int(flow.MaxRecvDataSegmentLength) {
			immediateLen = int(flow.MaxRecvDataSegmentLength)
		}
	}

	req := &pdu.PDU{
		OpCode:                     pdu.OpSCSICmd,
		Immediate:                  false,
		LUN:                        lun,
		InitiatorTaskTag:           tag,
		Write:                      true,
		Attribute:                  scsi.AttrSimple,
		ExpectedDataTransferLength: uint32(len(data)),
		CmdSN:                      cmdSN.FetchAdd(1),
		ExpStatSN:                  expStatSN.Load(),
		CDB:                        cdb,
		RawData:                    data[:immediateLen],
	}

	task := conn.Submit(tag)
	if err := conn.SendPDU(req); err != nil {
		conn.Deregister(tag)
		return nil, err
	}

	sent := immediateLen
	// Unsolicited follow-on bursts: InitialR2T=No permits the initiator to
	// keep sending Data-Out up to FirstBurstLength without waiting for an
	// R2T, per spec §4.6.
	if !wf.InitialR2T {
		dataSN := NewCounter(0)
		for sent < len(data) && sent < int(flow.FirstBurstLength) {
			chunkEnd := sent + int(flow.MaxRecvDataSegmentLength)
			if chunkEnd > len(data) {
				chunkEnd = len(data)
			}
			if chunkEnd > int(flow.FirstBurstLength) {
				chunkEnd = int(flow.FirstBurstLength)
			}
			final := chunkEnd >= len(data) || chunkEnd >= int(flow.FirstBurstLength)
			out := &pdu.PDU{
				OpCode:            pdu.OpSCSIOut,
				LUN:               lun,
				InitiatorTaskTag:  tag,
				TargetTransferTag: pdu.TTTNone,
				Final:             final,
				DataSN:            dataSN.FetchAdd(1),
				BufferOffset:      uint32(sent),
				RawData:           data[sent:chunkEnd],
			}
			if err := conn.SendPDU(out); err != nil {
				return nil, err
			}
			sent = chunkEnd
		}
	}

	for {
		p, err, ok := Next(task)
		if !ok {
			return nil, common.NewError(common.KindConnectionClosed, "connection closed before WRITE completed")
		}
		if err != nil {
			return nil, err
		}
		switch p.OpCode {
		case pdu.OpReady:
			if err := fillR2TWindow(conn, tag, lun, flow.MaxRecvDataSegmentLength, data, p); err != nil {
				return nil, err
			}
		case pdu.OpSCSIResp:
			expStatSN.Set(p.StatSN + 1)
			result := &WriteResult{Status: p.Status, Residual: p.Residual}
			if p.Status == scsi.StatusCheckCondition {
				result.Sense = scsi.ParseSense(p.RawData)
			}
			return result, nil
		case pdu.OpReject:
			return nil, common.RejectError(p.Reason)
		default:
			return nil, common.NewError(common.KindProtocolError, fmt.Sprintf("unexpected opcode %v during WRITE", p.OpCode))
		}
	}
}

// fillR2TWindow answers one R2T with the requested Data-Out chunks: the
// window named by r.BufferOffset/r.DesiredDataTransferLength, chunked to
// MaxRecvDataSegmentLength and tagged with the R2T's TargetTransferTag
// (spec's Data Model "R2T window"), with a fresh per-window DataSN.
func fillR2TWindow(conn *Connection, tag uint32, lun uint64, maxSegment uint32, data []byte, r *pdu.PDU) error {
	offset := int(r.BufferOffset)
	remaining := int(r.DesiredDataTransferLength)
	if offset+remaining > len(data) {
		return common.NewError(common.KindProtocolError, "R2T window exceeds command's data buffer")
	}
	dataSN := NewCounter(0)
	for remaining > 0 {
		chunk := remaining
		if chunk > int(maxSegment) {
			chunk = int(maxSegment)
		}
		final := chunk == remaining
		out := &pdu.PDU{
			OpCode:            pdu.OpSCSIOut,
			LUN:               lun,
			InitiatorTaskTag:  tag,
			TargetTransferTag: r.TargetTransferTag,
			Final:             final,
			DataSN:            dataSN.FetchAdd(1),
			BufferOffset:      uint32(offset),
			RawData:           data[offset : offset+chunk],
		}
		if err := conn.SendPDU(out); err != nil {
			return err
		}
		offset += chunk
		remaining -= chunk
	}
	return nil
}
