package pdu

import (
	"bytes"
	"testing"
)

func TestLoginRequestRoundTrip(t *testing.T) {
	req := &PDU{
		OpCode:           OpLoginReq,
		Transit:          true,
		CurrentStage:     StageOperationalNegotiation,
		NextStage:        StageFullFeaturePhase,
		ISID:             0x00023d000001,
		CID:              1,
		InitiatorTaskTag: 42,
		CmdSN:            7,
		ExpStatSN:        3,
		RawData:          []byte("HeaderDigest=None\x00"),
	}
	encoded := req.Bytes()
	if len(encoded) < BasicHeaderSegmentSize {
		t.Fatalf("encoded PDU shorter than BHS: %d bytes", len(encoded))
	}

	decoded, err := DecodeHeader(encoded[:BasicHeaderSegmentSize])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if decoded.OpCode != OpLoginReq {
		t.Fatalf("opcode = %v, want OpLoginReq", decoded.OpCode)
	}
	if !decoded.Transit {
		t.Fatal("Transit bit lost in round trip")
	}
	if decoded.CurrentStage != StageOperationalNegotiation || decoded.NextStage != StageFullFeaturePhase {
		t.Fatalf("stage mismatch: current=%v next=%v", decoded.CurrentStage, decoded.NextStage)
	}
	if decoded.ISID != req.ISID {
		t.Fatalf("ISID = %#x, want %#x", decoded.ISID, req.ISID)
	}
	if decoded.CID != req.CID {
		t.Fatalf("CID = %d, want %d", decoded.CID, req.CID)
	}
	if decoded.InitiatorTaskTag != req.InitiatorTaskTag {
		t.Fatalf("ITT = %d, want %d", decoded.InitiatorTaskTag, req.InitiatorTaskTag)
	}
	if decoded.CmdSN != req.CmdSN || decoded.ExpStatSN != req.ExpStatSN {
		t.Fatalf("CmdSN/ExpStatSN = %d/%d, want %d/%d", decoded.CmdSN, decoded.ExpStatSN, req.CmdSN, req.ExpStatSN)
	}
}

func TestSCSICommandRoundTrip(t *testing.T) {
	cdb := Read10CDBForTest(0x1234, 8)
	cmd := &PDU{
		OpCode:                     OpSCSICmd,
		LUN:                        0,
		InitiatorTaskTag:           99,
		Read:                       true,
		Attribute:                  1,
		ExpectedDataTransferLength: 4096,
		CmdSN:                      5,
		ExpStatSN:                  2,
		CDB:                        cdb,
	}
	encoded := cmd.Bytes()
	decoded, err := DecodeHeader(encoded[:BasicHeaderSegmentSize])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if !decoded.Read || decoded.Write {
		t.Fatalf("Read/Write flags lost: read=%v write=%v", decoded.Read, decoded.Write)
	}
	if decoded.ExpectedDataTransferLength != cmd.ExpectedDataTransferLength {
		t.Fatalf("EDTL = %d, want %d", decoded.ExpectedDataTransferLength, cmd.ExpectedDataTransferLength)
	}
	if !bytes.Equal(decoded.CDB, cdb) {
		t.Fatalf("CDB = %x, want %x", decoded.CDB, cdb)
	}
}

// Read10CDBForTest avoids importing pkg/scsi (which would be a cyclic-ish
// cross-package dependency just for a test) by building the same 16-byte
// READ(10) layout inline.
func Read10CDBForTest(lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 16)
	cdb[0] = 0x28
	cdb[2] = byte(lba >> 24)
	cdb[3] = byte(lba >> 16)
	cdb[4] = byte(lba >> 8)
	cdb[5] = byte(lba)
	cdb[7] = byte(blocks >> 8)
	cdb[8] = byte(blocks)
	return cdb
}

func TestR2TCarriesTargetTransferTag(t *testing.T) {
	r2t := &PDU{
		OpCode:                    OpReady,
		InitiatorTaskTag:          11,
		TargetTransferTag:         0xaabbccdd,
		StatSN:                    1,
		ExpCmdSN:                  1,
		MaxCmdSN:                  16,
		DataSN:                    0,
		BufferOffset:              0,
		DesiredDataTransferLength: 8192,
	}
	encoded := r2t.Bytes()
	decoded, err := DecodeHeader(encoded[:BasicHeaderSegmentSize])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if decoded.TargetTransferTag != r2t.TargetTransferTag {
		t.Fatalf("TTT = %#x, want %#x (teacher's target-side r2tRespBytes zeroes this; the initiator codec must not)", decoded.TargetTransferTag, r2t.TargetTransferTag)
	}
	if decoded.IsFinalForITT() {
		t.Fatal("R2T must never be final for its ITT")
	}
}

func TestDataInFinalityRequiresFinalAndStatus(t *testing.T) {
	cases := []struct {
		final, s bool
		want     bool
	}{
		{final: false, s: false, want: false},
		{final: true, s: false, want: false},
		{final: false, s: true, want: false},
		{final: true, s: true, want: true},
	}
	for _, c := range cases {
		p := &PDU{OpCode: OpSCSIIn, Final: c.final, S: c.s}
		if got := p.IsFinalForITT(); got != c.want {
			t.Errorf("Final=%v S=%v: IsFinalForITT=%v, want %v", c.final, c.s, got, c.want)
		}
	}
}

func TestSCSIResponseAlwaysFinal(t *testing.T) {
	p := &PDU{OpCode: OpSCSIResp}
	if !p.IsFinalForITT() {
		t.Fatal("SCSI Response must always be final")
	}
}

func TestDecodeHeaderRejectsReservedOpcode(t *testing.T) {
	bhs := make([]byte, BasicHeaderSegmentSize)
	bhs[0] = 0x3a // reserved
	if _, err := DecodeHeader(bhs); err == nil {
		t.Fatal("expected DecodeHeader to reject a reserved opcode")
	}
}

func TestDecodeHeaderRejectsWrongLength(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, 40)); err == nil {
		t.Fatal("expected DecodeHeader to reject a short buffer")
	}
}

func TestWriteReadPDURoundTripWithDigests(t *testing.T) {
	var buf bytes.Buffer
	p := &PDU{
		OpCode:           OpNoopOut,
		LUN:              0,
		InitiatorTaskTag: 5,
		TargetTransferTag: TTTNone,
		CmdSN:            1,
		ExpStatSN:        1,
		RawData:          []byte("ping"),
	}
	if err := WritePDU(&buf, p, true, true); err != nil {
		t.Fatalf("WritePDU: %v", err)
	}
	decoded, err := ReadPDU(&buf, true, true)
	if err != nil {
		t.Fatalf("ReadPDU: %v", err)
	}
	if decoded.OpCode != OpNoopOut {
		t.Fatalf("opcode = %v, want OpNoopOut", decoded.OpCode)
	}
	if !bytes.Equal(decoded.RawData, p.RawData) {
		t.Fatalf("RawData = %q, want %q", decoded.RawData, p.RawData)
	}
}

func TestReadPDUDetectsHeaderDigestMismatch(t *testing.T) {
	var buf bytes.Buffer
	p := &PDU{OpCode: OpNoopOut, InitiatorTaskTag: 1, TargetTransferTag: TTTNone}
	if err := WritePDU(&buf, p, true, false); err != nil {
		t.Fatalf("WritePDU: %v", err)
	}
	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xff // flip a bit in the digest
	if _, err := ReadPDU(bytes.NewReader(corrupted), true, false); err == nil {
		t.Fatal("expected a digest mismatch error")
	}
}

func TestDigestCRC32CKnownVector(t *testing.T) {
	// "123456789" -> CRC-32C 0xE3069283 is the canonical Castagnoli test vector.
	got := DigestCRC32C([]byte("123456789"))
	want := uint32(0xE3069283)
	if got != want {
		t.Fatalf("DigestCRC32C(%q) = %#x, want %#x", "123456789", got, want)
	}
}

func TestDigestEncodeIsLittleEndian(t *testing.T) {
	encoded := EncodeDigest(0x01020304)
	want := []byte{0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(encoded, want) {
		t.Fatalf("EncodeDigest = %x, want %x", encoded, want)
	}
	if DecodeDigest(encoded) != 0x01020304 {
		t.Fatalf("DecodeDigest round trip failed")
	}
}
