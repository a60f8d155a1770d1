package icrypto

import (
	"encoding/binary"
)

const (
	aadSlot        = "SLOT"
	aadSlotKeyWrap = "SLOTKEYWRAP"
)

// AADSlot binds a sealed slot value to its namespace and slot name, so a
// ciphertext copied to another slot or profile fails to open.
func AADSlot(namespace, slot string, ver int) []byte {
	return buildAAD(aadSlot, namespace, slot, ver)
}

// AADSlotKeyWrap binds the wrapped slot key to its namespace.
func AADSlotKeyWrap(namespace string, ver int) []byte {
	return buildAAD(aadSlotKeyWrap, namespace, ver)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, v)
			res = append(res, b...)
		case int:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			res = append(res, b...)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(data)))
	b = append(b, l...)
	b = append(b, data...)
	return b
}
