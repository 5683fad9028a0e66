// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Package scsi carries the SCSI opcode/status/sense vocabulary the initiator
// FSMs need to build CDBs and interpret responses. It is adapted from the
// target-side command-type table to the initiator's CDB-construction role.
package scsi

import "encoding/binary"

const (
	Read10  CommandType = 0x28
	Read16  CommandType = 0x88
	Write10 CommandType = 0x2a
	Write16 CommandType = 0x8a
)

type CommandType byte

// Read10CDB builds a 16-byte-padded READ(10) CDB: LBA (32-bit) and transfer
// length in blocks (16-bit).
func Read10CDB(lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 16)
	cdb[0] = byte(Read10)
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

// Read16CDB builds a 16-byte READ(16) CDB: LBA (64-bit) and transfer length
// in blocks (32-bit).
func Read16CDB(lba uint64, blocks uint32) []byte {
	cdb := make([]byte, 16)
	cdb[0] = byte(Read16)
	binary.BigEndian.PutUint64(cdb[2:10], lba)
	binary.BigEndian.PutUint32(cdb[10:14], blocks)
	return cdb
}

// Write10CDB builds a 16-byte-padded WRITE(10) CDB.
func Write10CDB(lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 16)
	cdb[0] = byte(Write10)
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

// Write16CDB builds a 16-byte WRITE(16) CDB.
func Write16CDB(lba uint64, blocks uint32) []byte {
	cdb := make([]byte, 16)
	cdb[0] = byte(Write16)
	binary.BigEndian.PutUint64(cdb[2:10], lba)
	binary.BigEndian.PutUint32(cdb[10:14], blocks)
	return cdb
}

const (
	StatusGood            byte = 0x00
	StatusCheckCondition   byte = 0x02
	StatusBusy             byte = 0x08
	StatusReservationConflict byte = 0x18
	StatusTaskAborted      byte = 0x40
)

// Task attributes, used in the SCSI Command PDU ATTR field.
const (
	AttrUntagged  byte = 0
	AttrSimple    byte = 1
	AttrOrdered   byte = 2
	AttrHeadOfQueue byte = 3
	AttrACA       byte = 4
)

// ResponseCode values carried in the SCSI Response PDU's Response byte.
const (
	ResponseCommandCompleted byte = 0x00
	ResponseTargetFailure    byte = 0x01
)
