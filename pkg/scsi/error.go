// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import "fmt"

type CommandError struct {
	SenseKey            byte
	AdditionalSenseCode AdditionalSenseCode
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("scsi: sense key 0x%02x asc/ascq 0x%04x", e.SenseKey, uint16(e.AdditionalSenseCode))
}

const (
	NoSense        byte = 0x00
	RecoveredError byte = 0x01
	NotReady       byte = 0x02
	MediumError    byte = 0x03
	IllegalRequest byte = 0x05
)

type AdditionalSenseCode uint16

var (
	// Key 0: No Sense Errors
	NoAdditionalSense AdditionalSenseCode = 0x0000

	// Key 1: Recovered Errors
	AscWriteError AdditionalSenseCode = 0x0c00
	AscReadError  AdditionalSenseCode = 0x1100

	// Key 2: Not ready
	AscBecomingReady    AdditionalSenseCode = 0x0401
	AscMediumNotPresent AdditionalSenseCode = 0x3a00

	// Key 5: Illegal Request
	AscInvalidOpCode     AdditionalSenseCode = 0x2000
	AscLbaOutOfRange     AdditionalSenseCode = 0x2100
	AscInvalidFieldInCdb AdditionalSenseCode = 0x2400
	AscSavingParmsUnsup  AdditionalSenseCode = 0x3900
)

// ParseSense extracts the sense key and ASC/ASCQ from a fixed-format sense
// buffer (SPC-4 §4.5.3), the minimal subset the core needs to classify a
// CheckCondition response.
func ParseSense(buf []byte) *CommandError {
	if len(buf) < 14 {
		return &CommandError{SenseKey: NoSense, AdditionalSenseCode: NoAdditionalSense}
	}
	return &CommandError{
		SenseKey:            buf[2] & 0x0f,
		AdditionalSenseCode: AdditionalSenseCode(uint16(buf[12])<<8 | uint16(buf[13])),
	}
}
