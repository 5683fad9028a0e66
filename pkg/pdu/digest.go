package pdu

import (
	"encoding/binary"
	"hash/crc32"
)

// castagnoliTable is the CRC-32C polynomial (0x1EDC6F41) RFC 7143 mandates
// for header and data digests. No third-party CRC-32C implementation
// surfaced anywhere in the retrieval pack, and the standard library already
// exposes the Castagnoli table directly, so this is the one codec concern
// built on the standard library rather than an adopted dependency.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// DigestCRC32C computes the iSCSI CRC-32C digest over data.
func DigestCRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// EncodeDigest renders a digest value little-endian, as RFC 7143 §3.2.2.1
// requires on the wire despite BHS fields being big-endian.
func EncodeDigest(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

// DecodeDigest parses a little-endian digest value off the wire.
func DecodeDigest(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}
