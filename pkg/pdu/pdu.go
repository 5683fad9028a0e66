package pdu

import (
	"encoding/binary"
	"fmt"
	"io"

	"iscsiinit/pkg/common"
)

// marshalUint32/marshalUint64 follow the teacher's MarshalUint32/MarshalUint64
// helpers (util.go) for big-endian BHS field encoding.
func marshalUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func marshalUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// LoginStage mirrors CSG/NSG values carried in Login/Text PDUs.
type LoginStage uint8

const (
	StageSecurityNegotiation    LoginStage = 0
	StageOperationalNegotiation LoginStage = 1
	StageFullFeaturePhase       LoginStage = 3
)

// PDU is a single flattened representation of every opcode the core sends
// or receives, in the style of a per-opcode sparse struct: each opcode's
// Bytes()/decode path touches only the fields meaningful to it.
type PDU struct {
	OpCode    OpCode
	Immediate bool
	Final     bool
	Continue  bool
	Transit   bool

	TotalAHSLength int // in bytes, already *4 from the wire nibble
	DataLen        int
	RawData        []byte

	LUN uint64

	InitiatorTaskTag   uint32
	TargetTransferTag  uint32
	ReferencedTaskTag  uint32

	ISID uint64
	TSIH uint16
	CID  uint16

	CurrentStage LoginStage
	NextStage    LoginStage

	CmdSN     uint32
	ExpStatSN uint32
	StatSN    uint32
	ExpCmdSN  uint32
	MaxCmdSN  uint32

	StatusClass  uint8
	StatusDetail uint8

	Read, Write bool
	Attribute   byte
	ExpectedDataTransferLength uint32
	CDB         []byte

	Response byte
	Status   byte
	Residual uint32

	DataSN       uint32
	BufferOffset uint32
	S            bool // Data-In status bit

	DesiredDataTransferLength uint32

	Reason byte // Reject reason / Logout response code

	ReasonCode byte // Logout request reason code
}

// Bytes dispatches to the opcode-specific encoder. Only opcodes the core
// itself emits or synthesizes in tests need an encoder; decode handles the
// rest.
func (p *PDU) Bytes() []byte {
	switch p.OpCode {
	case OpLoginReq:
		return p.loginRequestBytes()
	case OpLoginResp:
		return p.loginResponseBytes()
	case OpTextReq:
		return p.textRequestBytes()
	case OpTextResp:
		return p.textResponseBytes()
	case OpNoopOut:
		return p.noopOutBytes()
	case OpNoopIn:
		return p.noopInBytes()
	case OpSCSICmd:
		return p.scsiCommandBytes()
	case OpSCSIResp:
		return p.scsiResponseBytes()
	case OpSCSIIn:
		return p.dataInBytes()
	case OpSCSIOut:
		return p.dataOutBytes()
	case OpReady:
		return p.r2tBytes()
	case OpReject:
		return p.rejectBytes()
	case OpLogoutReq:
		return p.logoutRequestBytes()
	case OpLogoutResp:
		return p.logoutResponseBytes()
	}
	return nil
}

func newHeader(op OpCode) []byte {
	h := make([]byte, BasicHeaderSegmentSize)
	h[0] = byte(op)
	return h
}

func (p *PDU) loginRequestBytes() []byte {
	h := newHeader(OpLoginReq)
	var flags byte
	if p.Transit {
		flags |= 0x80
	}
	if p.Continue {
		flags |= 0x40
	}
	flags |= byte(p.CurrentStage) << 2
	flags |= byte(p.NextStage)
	h[1] = flags
	h[2] = 0x00 // VersionMax
	h[3] = 0x00 // VersionMin
	copy(h[5:8], marshalUint64(uint64(len(p.RawData)))[5:])
	copy(h[8:14], marshalUint64(p.ISID)[2:])
	copy(h[14:16], marshalUint64(uint64(p.TSIH))[6:])
	copy(h[16:20], marshalUint32(p.InitiatorTaskTag))
	copy(h[20:22], marshalUint64(uint64(p.CID))[6:])
	copy(h[24:28], marshalUint32(p.CmdSN))
	copy(h[28:32], marshalUint32(p.ExpStatSN))
	return append(h, PadTo4(p.RawData)...)
}

func (p *PDU) loginResponseBytes() []byte {
	h := newHeader(OpLoginResp)
	var flags byte
	if p.Transit {
		flags |= 0x80
	}
	if p.Continue {
		flags |= 0x40
	}
	flags |= byte(p.CurrentStage) << 2
	flags |= byte(p.NextStage)
	h[1] = flags
	copy(h[5:8], marshalUint64(uint64(len(p.RawData)))[5:])
	copy(h[8:14], marshalUint64(p.ISID)[2:])
	copy(h[14:16], marshalUint64(uint64(p.TSIH))[6:])
	copy(h[16:20], marshalUint32(p.InitiatorTaskTag))
	copy(h[24:28], marshalUint32(p.StatSN))
	copy(h[28:32], marshalUint32(p.ExpCmdSN))
	copy(h[32:36], marshalUint32(p.MaxCmdSN))
	h[36] = p.StatusClass
	h[37] = p.StatusDetail
	return append(h, PadTo4(p.RawData)...)
}

func (p *PDU) textRequestBytes() []byte {
	h := newHeader(OpTextReq)
	var flags byte
	if p.Final {
		flags |= 0x80
	}
	if p.Continue {
		flags |= 0x40
	}
	h[1] = flags
	copy(h[5:8], marshalUint64(uint64(len(p.RawData)))[5:])
	copy(h[8:16], marshalUint64(p.LUN))
	copy(h[16:20], marshalUint32(p.InitiatorTaskTag))
	copy(h[20:24], marshalUint32(p.TargetTransferTag))
	copy(h[24:28], marshalUint32(p.CmdSN))
	copy(h[28:32], marshalUint32(p.ExpStatSN))
	return append(h, PadTo4(p.RawData)...)
}

func (p *PDU) textResponseBytes() []byte {
	h := newHeader(OpTextResp)
	var flags byte
	if p.Final {
		flags |= 0x80
	}
	if p.Continue {
		flags |= 0x40
	}
	h[1] = flags
	copy(h[5:8], marshalUint64(uint64(len(p.RawData)))[5:])
	copy(h[8:16], marshalUint64(p.LUN))
	copy(h[16:20], marshalUint32(p.InitiatorTaskTag))
	copy(h[20:24], marshalUint32(p.TargetTransferTag))
	copy(h[24:28], marshalUint32(p.StatSN))
	copy(h[28:32], marshalUint32(p.ExpCmdSN))
	copy(h[32:36], marshalUint32(p.MaxCmdSN))
	return append(h, PadTo4(p.RawData)...)
}

func (p *PDU) noopOutBytes() []byte {
	h := newHeader(OpNoopOut)
	if p.Immediate {
		h[0] |= 0x40
	}
	h[1] = 0x80
	copy(h[5:8], marshalUint64(uint64(len(p.RawData)))[5:])
	copy(h[8:16], marshalUint64(p.LUN))
	copy(h[16:20], marshalUint32(p.InitiatorTaskTag))
	copy(h[20:24], marshalUint32(p.TargetTransferTag))
	copy(h[24:28], marshalUint32(p.CmdSN))
	copy(h[28:32], marshalUint32(p.ExpStatSN))
	return append(h, PadTo4(p.RawData)...)
}

func (p *PDU) noopInBytes() []byte {
	h := newHeader(OpNoopIn)
	h[1] = 0x80
	copy(h[5:8], marshalUint64(uint64(len(p.RawData)))[5:])
	copy(h[8:16], marshalUint64(p.LUN))
	copy(h[16:20], marshalUint32(p.InitiatorTaskTag))
	copy(h[20:24], marshalUint32(p.TargetTransferTag))
	copy(h[24:28], marshalUint32(p.StatSN))
	copy(h[28:32], marshalUint32(p.ExpCmdSN))
	copy(h[32:36], marshalUint32(p.MaxCmdSN))
	return append(h, PadTo4(p.RawData)...)
}

func (p *PDU) scsiCommandBytes() []byte {
	h := newHeader(OpSCSICmd)
	if p.Immediate {
		h[0] |= 0x40
	}
	var flags byte = 0x80
	if p.Read {
		flags |= 0x40
	}
	if p.Write {
		flags |= 0x20
	}
	flags |= p.Attribute & 0x07
	h[1] = flags
	h[8] = byte(p.LUN) // single-level LUN addressing, per teacher's convention
	copy(h[16:20], marshalUint32(p.InitiatorTaskTag))
	copy(h[20:24], marshalUint32(p.ExpectedDataTransferLength))
	copy(h[24:28], marshalUint32(p.CmdSN))
	copy(h[28:32], marshalUint32(p.ExpStatSN))
	cdb := p.CDB
	if len(cdb) < 16 {
		padded := make([]byte, 16)
		copy(padded, cdb)
		cdb = padded
	}
	copy(h[32:48], cdb[:16])
	copy(h[5:8], marshalUint64(uint64(len(p.RawData)))[5:])
	return append(h, PadTo4(p.RawData)...)
}

func (p *PDU) scsiResponseBytes() []byte {
	h := newHeader(OpSCSIResp)
	h[1] = 0x80
	h[2] = p.Response
	h[3] = p.Status
	copy(h[5:8], marshalUint64(uint64(len(p.RawData)))[5:])
	copy(h[16:20], marshalUint32(p.InitiatorTaskTag))
	copy(h[24:28], marshalUint32(p.StatSN))
	copy(h[28:32], marshalUint32(p.ExpCmdSN))
	copy(h[32:36], marshalUint32(p.MaxCmdSN))
	copy(h[44:48], marshalUint32(p.Residual))
	return append(h, PadTo4(p.RawData)...)
}

func (p *PDU) dataInBytes() []byte {
	h := newHeader(OpSCSIIn)
	var flags byte
	if p.Final {
		flags |= 0x80
	}
	if p.S {
		flags |= 0x01
	}
	h[1] = flags
	if p.S {
		h[3] = p.Status
	}
	copy(h[5:8], marshalUint64(uint64(len(p.RawData)))[5:])
	copy(h[16:20], marshalUint32(p.InitiatorTaskTag))
	copy(h[20:24], marshalUint32(TTTNone))
	copy(h[24:28], marshalUint32(p.StatSN))
	copy(h[28:32], marshalUint32(p.ExpCmdSN))
	copy(h[32:36], marshalUint32(p.MaxCmdSN))
	copy(h[36:40], marshalUint32(p.DataSN))
	copy(h[40:44], marshalUint32(p.BufferOffset))
	copy(h[44:48], marshalUint32(p.Residual))
	return append(h, PadTo4(p.RawData)...)
}

func (p *PDU) dataOutBytes() []byte {
	h := newHeader(OpSCSIOut)
	var flags byte
	if p.Final {
		flags |= 0x80
	}
	h[1] = flags
	h[8] = byte(p.LUN)
	copy(h[5:8], marshalUint64(uint64(len(p.RawData)))[5:])
	copy(h[16:20], marshalUint32(p.InitiatorTaskTag))
	copy(h[20:24], marshalUint32(p.TargetTransferTag))
	copy(h[28:32], marshalUint32(p.ExpStatSN))
	copy(h[36:40], marshalUint32(p.DataSN))
	copy(h[40:44], marshalUint32(p.BufferOffset))
	return append(h, PadTo4(p.RawData)...)
}

func (p *PDU) r2tBytes() []byte {
	h := newHeader(OpReady)
	h[1] = 0x80
	copy(h[16:20], marshalUint32(p.InitiatorTaskTag))
	copy(h[20:24], marshalUint32(p.TargetTransferTag))
	copy(h[24:28], marshalUint32(p.StatSN))
	copy(h[28:32], marshalUint32(p.ExpCmdSN))
	copy(h[32:36], marshalUint32(p.MaxCmdSN))
	copy(h[36:40], marshalUint32(p.DataSN)) // R2TSN
	copy(h[40:44], marshalUint32(p.BufferOffset))
	copy(h[44:48], marshalUint32(p.DesiredDataTransferLength))
	return h
}

func (p *PDU) rejectBytes() []byte {
	h := newHeader(OpReject)
	h[1] = 0x80
	h[2] = p.Reason
	copy(h[5:8], marshalUint64(uint64(len(p.RawData)))[5:])
	copy(h[16:20], marshalUint32(ITTUnsolicited))
	copy(h[24:28], marshalUint32(p.StatSN))
	copy(h[28:32], marshalUint32(p.ExpCmdSN))
	copy(h[32:36], marshalUint32(p.MaxCmdSN))
	return append(h, PadTo4(p.RawData)...)
}

func (p *PDU) logoutRequestBytes() []byte {
	h := newHeader(OpLogoutReq)
	h[1] = 0x80 | (p.ReasonCode & 0x7f)
	copy(h[16:20], marshalUint32(p.InitiatorTaskTag))
	copy(h[20:22], marshalUint64(uint64(p.CID))[6:])
	copy(h[24:28], marshalUint32(p.CmdSN))
	copy(h[28:32], marshalUint32(p.ExpStatSN))
	return h
}

func (p *PDU) logoutResponseBytes() []byte {
	h := newHeader(OpLogoutResp)
	h[1] = 0x80
	h[2] = p.Reason
	copy(h[16:20], marshalUint32(p.InitiatorTaskTag))
	copy(h[24:28], marshalUint32(p.StatSN))
	copy(h[28:32], marshalUint32(p.ExpCmdSN))
	copy(h[32:36], marshalUint32(p.MaxCmdSN))
	return h
}

// DecodeHeader parses a 48-byte BHS into a PDU, filling only the fields
// meaningful to the opcode, matching the encode side field-for-field.
func DecodeHeader(data []byte) (*PDU, error) {
	if len(data) != BasicHeaderSegmentSize {
		return nil, common.NewError(common.KindDecodeError, "garbled header")
	}
	p := &PDU{
		Immediate:      data[0]&0x40 == 0x40,
		OpCode:         OpCode(data[0] & OpcodeMask),
		Final:          data[1]&0x80 == 0x80,
		TotalAHSLength: int(data[4]) * 4,
		DataLen:        int(uint64FromBytes(data[5:8])),
		InitiatorTaskTag: uint32(uint64FromBytes(data[16:20])),
	}
	switch p.OpCode {
	case OpLoginReq, OpLoginResp:
		p.Transit = data[1]&0x80 == 0x80
		p.Continue = data[1]&0x40 == 0x40
		if p.Continue && p.Transit {
			return nil, common.NewError(common.KindDecodeError, "transit and continue both set")
		}
		p.CurrentStage = LoginStage(data[1]&0x0c) >> 2
		p.NextStage = LoginStage(data[1] & 0x03)
		p.ISID = uint64FromBytes(data[8:14])
		p.TSIH = uint16(uint64FromBytes(data[14:16]))
		if p.OpCode == OpLoginReq {
			p.CID = uint16(uint64FromBytes(data[20:22]))
			p.CmdSN = uint32(uint64FromBytes(data[24:28]))
			p.ExpStatSN = uint32(uint64FromBytes(data[28:32]))
		} else {
			p.StatSN = uint32(uint64FromBytes(data[24:28]))
			p.ExpCmdSN = uint32(uint64FromBytes(data[28:32]))
			p.MaxCmdSN = uint32(uint64FromBytes(data[32:36]))
			p.StatusClass = data[36]
			p.StatusDetail = data[37]
		}
	case OpTextReq:
		p.Continue = data[1]&0x40 == 0x40
		p.LUN = uint64FromBytes(data[8:16])
		p.TargetTransferTag = uint32(uint64FromBytes(data[20:24]))
		p.CmdSN = uint32(uint64FromBytes(data[24:28]))
		p.ExpStatSN = uint32(uint64FromBytes(data[28:32]))
	case OpTextResp:
		p.Continue = data[1]&0x40 == 0x40
		p.LUN = uint64FromBytes(data[8:16])
		p.TargetTransferTag = uint32(uint64FromBytes(data[20:24]))
		p.StatSN = uint32(uint64FromBytes(data[24:28]))
		p.ExpCmdSN = uint32(uint64FromBytes(data[28:32]))
		p.MaxCmdSN = uint32(uint64FromBytes(data[32:36]))
	case OpNoopOut:
		p.LUN = uint64FromBytes(data[8:16])
		p.TargetTransferTag = uint32(uint64FromBytes(data[20:24]))
		p.CmdSN = uint32(uint64FromBytes(data[24:28]))
		p.ExpStatSN = uint32(uint64FromBytes(data[28:32]))
	case OpNoopIn:
		p.LUN = uint64FromBytes(data[8:16])
		p.TargetTransferTag = uint32(uint64FromBytes(data[20:24]))
		p.StatSN = uint32(uint64FromBytes(data[24:28]))
		p.ExpCmdSN = uint32(uint64FromBytes(data[28:32]))
		p.MaxCmdSN = uint32(uint64FromBytes(data[32:36]))
	case OpSCSICmd:
		p.LUN = uint64(data[8])
		p.Read = data[1]&0x40 == 0x40
		p.Write = data[1]&0x20 == 0x20
		p.Attribute = data[1] & 0x07
		p.ExpectedDataTransferLength = uint32(uint64FromBytes(data[20:24]))
		p.CmdSN = uint32(uint64FromBytes(data[24:28]))
		p.ExpStatSN = uint32(uint64FromBytes(data[28:32]))
		p.CDB = append([]byte{}, data[32:48]...)
	case OpSCSIResp:
		p.Response = data[2]
		p.Status = data[3]
		p.StatSN = uint32(uint64FromBytes(data[24:28]))
		p.ExpCmdSN = uint32(uint64FromBytes(data[28:32]))
		p.MaxCmdSN = uint32(uint64FromBytes(data[32:36]))
		p.Residual = uint32(uint64FromBytes(data[44:48]))
	case OpSCSIIn:
		p.S = data[1]&0x01 == 0x01
		if p.S {
			p.Status = data[3]
		}
		p.StatSN = uint32(uint64FromBytes(data[24:28]))
		p.ExpCmdSN = uint32(uint64FromBytes(data[28:32]))
		p.MaxCmdSN = uint32(uint64FromBytes(data[32:36]))
		p.DataSN = uint32(uint64FromBytes(data[36:40]))
		p.BufferOffset = uint32(uint64FromBytes(data[40:44]))
		p.Residual = uint32(uint64FromBytes(data[44:48]))
	case OpSCSIOut:
		p.LUN = uint64(data[8])
		p.TargetTransferTag = uint32(uint64FromBytes(data[20:24]))
		p.ExpStatSN = uint32(uint64FromBytes(data[28:32]))
		p.DataSN = uint32(uint64FromBytes(data[36:40]))
		p.BufferOffset = uint32(uint64FromBytes(data[40:44]))
	case OpReady:
		p.TargetTransferTag = uint32(uint64FromBytes(data[20:24]))
		p.StatSN = uint32(uint64FromBytes(data[24:28]))
		p.ExpCmdSN = uint32(uint64FromBytes(data[28:32]))
		p.MaxCmdSN = uint32(uint64FromBytes(data[32:36]))
		p.DataSN = uint32(uint64FromBytes(data[36:40])) // R2TSN
		p.BufferOffset = uint32(uint64FromBytes(data[40:44]))
		p.DesiredDataTransferLength = uint32(uint64FromBytes(data[44:48]))
	case OpReject:
		p.Reason = data[2]
		p.StatSN = uint32(uint64FromBytes(data[24:28]))
		p.ExpCmdSN = uint32(uint64FromBytes(data[28:32]))
		p.MaxCmdSN = uint32(uint64FromBytes(data[32:36]))
	case OpLogoutReq:
		p.ReasonCode = data[1] & 0x7f
		p.CID = uint16(uint64FromBytes(data[20:22]))
		p.CmdSN = uint32(uint64FromBytes(data[24:28]))
		p.ExpStatSN = uint32(uint64FromBytes(data[28:32]))
	case OpLogoutResp:
		p.Reason = data[2]
		p.StatSN = uint32(uint64FromBytes(data[24:28]))
		p.ExpCmdSN = uint32(uint64FromBytes(data[28:32]))
		p.MaxCmdSN = uint32(uint64FromBytes(data[32:36]))
	default:
		return nil, common.NewError(common.KindDecodeError, fmt.Sprintf("reserved or unsupported opcode %#x", byte(p.OpCode)))
	}
	return p, nil
}

func uint64FromBytes(data []byte) uint64 {
	var out uint64
	for i := 0; i < len(data); i++ {
		out += uint64(data[len(data)-i-1]) << uint(8*i)
	}
	return out
}

// HeaderDigestSize returns the wire size contribution of a negotiated
// header digest: 0 if disabled, 4 if CRC-32C. This is the core's
// "48 → 52 bytes" transition point named in spec §4.2.
func HeaderDigestSize(enabled bool) int {
	if enabled {
		return 4
	}
	return 0
}

// ReadPDU decodes one PDU from r per the decode contract: BHS, then AHS
// (skipped — the core emits none and does not interpret received AHS),
// then an optional header digest (verified), then the padded data segment,
// then an optional data digest (verified when the segment is non-empty).
func ReadPDU(r io.Reader, headerDigest, dataDigest bool) (*PDU, error) {
	bhs := make([]byte, BasicHeaderSegmentSize)
	if _, err := io.ReadFull(r, bhs); err != nil {
		return nil, common.WrapError(common.KindTransport, "read BHS", err)
	}
	p, err := DecodeHeader(bhs)
	if err != nil {
		return nil, err
	}
	if p.TotalAHSLength > 0 {
		ahs := make([]byte, p.TotalAHSLength)
		if _, err := io.ReadFull(r, ahs); err != nil {
			return nil, common.WrapError(common.KindTransport, "read AHS", err)
		}
	}
	if headerDigest {
		digestBuf := make([]byte, 4)
		if _, err := io.ReadFull(r, digestBuf); err != nil {
			return nil, common.WrapError(common.KindTransport, "read header digest", err)
		}
		want := DigestCRC32C(bhs)
		got := DecodeDigest(digestBuf)
		if want != got {
			return nil, common.NewError(common.KindDigestError, "header digest mismatch")
		}
	}
	if p.DataLen > 0 {
		padded := p.DataLen
		for padded%4 != 0 {
			padded++
		}
		buf := make([]byte, padded)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, common.WrapError(common.KindTransport, "read data segment", err)
		}
		p.RawData = buf[:p.DataLen]
		if dataDigest {
			digestBuf := make([]byte, 4)
			if _, err := io.ReadFull(r, digestBuf); err != nil {
				return nil, common.WrapError(common.KindTransport, "read data digest", err)
			}
			want := DigestCRC32C(buf)
			got := DecodeDigest(digestBuf)
			if want != got {
				return nil, common.NewError(common.KindDigestError, "data digest mismatch")
			}
		}
	}
	return p, nil
}

// WritePDU serializes p and writes it to w, applying digests per the
// negotiated keys exactly as the encode contract specifies.
func WritePDU(w io.Writer, p *PDU, headerDigest, dataDigest bool) error {
	full := p.Bytes()
	bhs := full[:BasicHeaderSegmentSize]
	rest := full[BasicHeaderSegmentSize:]

	if _, err := w.Write(bhs); err != nil {
		return common.WrapError(common.KindTransport, "write BHS", err)
	}
	if headerDigest {
		if _, err := w.Write(EncodeDigest(DigestCRC32C(bhs))); err != nil {
			return common.WrapError(common.KindTransport, "write header digest", err)
		}
	}
	if len(rest) > 0 {
		if _, err := w.Write(rest); err != nil {
			return common.WrapError(common.KindTransport, "write data segment", err)
		}
		if dataDigest {
			if _, err := w.Write(EncodeDigest(DigestCRC32C(rest))); err != nil {
				return common.WrapError(common.KindTransport, "write data digest", err)
			}
		}
	}
	return nil
}

// IsFinalForITT implements the opcode finality table of spec §4.1: whether
// this PDU, as the (possibly repeated) response to InitiatorTaskTag,
// completes the pending task.
func (p *PDU) IsFinalForITT() bool {
	switch p.OpCode {
	case OpLoginResp:
		return p.Final
	case OpSCSIResp:
		return true
	case OpSCSIIn:
		return p.Final && p.S
	case OpReady:
		return false
	case OpNoopIn:
		return true
	case OpReject:
		return true
	case OpLogoutResp:
		return true
	default:
		return p.Final
	}
}
