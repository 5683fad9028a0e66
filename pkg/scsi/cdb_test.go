package scsi

import "testing"

func TestRead10CDB(t *testing.T) {
	cdb := Read10CDB(0x00102030, 16)
	if len(cdb) != 16 {
		t.Fatalf("len(cdb) = %d, want 16", len(cdb))
	}
	if CommandType(cdb[0]) != Read10 {
		t.Fatalf("opcode = %#x, want %#x", cdb[0], Read10)
	}
	lba := uint32(cdb[2])<<24 | uint32(cdb[3])<<16 | uint32(cdb[4])<<8 | uint32(cdb[5])
	if lba != 0x00102030 {
		t.Fatalf("LBA = %#x, want %#x", lba, 0x00102030)
	}
	blocks := uint16(cdb[7])<<8 | uint16(cdb[8])
	if blocks != 16 {
		t.Fatalf("blocks = %d, want 16", blocks)
	}
}

func TestRead16CDB(t *testing.T) {
	cdb := Read16CDB(0x0102030405060708, 1024)
	if CommandType(cdb[0]) != Read16 {
		t.Fatalf("opcode = %#x, want %#x", cdb[0], Read16)
	}
	var lba uint64
	for i := 0; i < 8; i++ {
		lba = lba<<8 | uint64(cdb[2+i])
	}
	if lba != 0x0102030405060708 {
		t.Fatalf("LBA = %#x, want %#x", lba, uint64(0x0102030405060708))
	}
}

func TestWrite10CDB(t *testing.T) {
	cdb := Write10CDB(42, 1)
	if CommandType(cdb[0]) != Write10 {
		t.Fatalf("opcode = %#x, want %#x", cdb[0], Write10)
	}
}

func TestWrite16CDB(t *testing.T) {
	cdb := Write16CDB(42, 1)
	if CommandType(cdb[0]) != Write16 {
		t.Fatalf("opcode = %#x, want %#x", cdb[0], Write16)
	}
}

func TestParseSense(t *testing.T) {
	buf := make([]byte, 18)
	buf[0] = 0x70
	buf[2] = 0x85 // high bit noise + sense key 5 in low nibble
	buf[12] = 0x21
	buf[13] = 0x00
	ce := ParseSense(buf)
	if ce.SenseKey != IllegalRequest {
		t.Fatalf("SenseKey = %#x, want %#x", ce.SenseKey, IllegalRequest)
	}
	if ce.AdditionalSenseCode != AscLbaOutOfRange {
		t.Fatalf("AdditionalSenseCode = %#x, want %#x", ce.AdditionalSenseCode, AscLbaOutOfRange)
	}
}

func TestParseSenseShortBufferDefaultsToNoSense(t *testing.T) {
	ce := ParseSense([]byte{0x70, 0x00})
	if ce.SenseKey != NoSense {
		t.Fatalf("SenseKey = %#x, want NoSense for a short buffer", ce.SenseKey)
	}
}

func TestCommandErrorMessage(t *testing.T) {
	ce := &CommandError{SenseKey: MediumError, AdditionalSenseCode: AscReadError}
	if ce.Error() == "" {
		t.Fatal("Error() returned empty string")
	}
}
