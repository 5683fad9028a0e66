package pdu

import "bytes"

// KeyValue is one Key=Value pair of a text-key segment.
type KeyValue struct {
	Key   string
	Value string
}

func (kv KeyValue) bytes() []byte {
	return []byte(kv.Key + "=" + kv.Value)
}

// KeyValueList is an ordered list of text-key pairs, encoded NUL-separated
// and NUL-terminated per RFC 7143 §5.1.
type KeyValueList struct {
	items []KeyValue
}

func NewKeyValueList() *KeyValueList {
	return &KeyValueList{}
}

func (l *KeyValueList) Add(key, value string) *KeyValueList {
	l.items = append(l.items, KeyValue{Key: key, Value: value})
	return l
}

func (l *KeyValueList) Len() int {
	return len(l.items)
}

// Encode renders the list as a NUL-separated, NUL-terminated byte segment.
func (l *KeyValueList) Encode() []byte {
	if len(l.items) == 0 {
		return nil
	}
	parts := make([][]byte, 0, len(l.items)+1)
	for _, kv := range l.items {
		parts = append(parts, kv.bytes())
	}
	parts = append(parts, nil)
	return bytes.Join(parts, []byte{0})
}

// ParseKeyValues parses a NUL-separated Key=Value text segment into a map.
// Later duplicate keys override earlier ones, matching login negotiation
// semantics where the final value for a key wins.
func ParseKeyValues(data []byte) map[string]string {
	result := make(map[string]string)
	for _, pair := range bytes.Split(data, []byte{0}) {
		if len(pair) == 0 {
			continue
		}
		kv := bytes.SplitN(pair, []byte("="), 2)
		if len(kv) != 2 {
			continue
		}
		result[string(kv[0])] = string(kv[1])
	}
	return result
}

// PadTo4 zero-pads data to the next 4-byte boundary.
func PadTo4(data []byte) []byte {
	for len(data)%4 != 0 {
		data = append(data, 0x00)
	}
	return data
}
