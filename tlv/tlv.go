// Package tlv implements a generic BER-TLV walker used to decode the
// FCI/FCP payloads returned by SELECT FILE and GET DATA. Calypso's own tag
// table lives in package command, which calls into this package purely for
// the length/tag framing.
package tlv

import "fmt"

// Form is whether a TLV's value is itself more TLVs (constructed) or raw
// bytes (primitive) — bit 0x20 of the tag's first byte.
type Form byte

const (
	FormPrimitive   Form = 0
	FormConstructed Form = 1
)

// Node is one decoded TLV element.
type Node struct {
	Tag     uint32 // full tag number, multi-byte tags included
	Form    Form
	Data    []byte // value bytes
	HLength int    // bytes consumed by tag+length (not counting Data)
}

// Len returns the total wire length (header + value) of the node.
func (n *Node) Len() int { return n.HLength + len(n.Data) }

// Walker decodes successive TLV elements from a byte slice, same shape as
// a cursor: call Next until it returns false.
type Walker struct {
	remaining []byte
}

// NewWalker wraps raw bytes for sequential TLV decoding.
func NewWalker(raw []byte) *Walker {
	return &Walker{remaining: raw}
}

// Next decodes the next element, advancing the cursor past it. Returns
// false once the remaining bytes are exhausted or malformed.
func (w *Walker) Next() (*Node, bool) {
	buf := w.remaining
	if len(buf) == 0 {
		return nil, false
	}

	n := &Node{}
	hlen := 1
	firstByte := buf[0]
	n.Form = Form(firstByte >> 5 & 1)

	tag := uint32(firstByte)
	if firstByte&0x1F == 0x1F {
		// multi-byte tag: continuation bit 0x80 on all but the last byte
		for hlen < len(buf) {
			b := buf[hlen]
			tag = tag<<8 | uint32(b)
			hlen++
			if b&0x80 == 0 {
				break
			}
		}
	}
	n.Tag = tag

	if hlen >= len(buf) {
		return nil, false
	}
	lenByte := buf[hlen]
	hlen++

	var length int
	if lenByte&0x80 == 0 {
		length = int(lenByte)
	} else {
		nLenBytes := int(lenByte & 0x7F)
		if hlen+nLenBytes > len(buf) {
			return nil, false
		}
		for i := 0; i < nLenBytes; i++ {
			length = length<<8 | int(buf[hlen])
			hlen++
		}
	}

	if hlen+length > len(buf) {
		return nil, false
	}
	n.HLength = hlen
	n.Data = buf[hlen : hlen+length]
	w.remaining = buf[hlen+length:]
	return n, true
}

// Find decodes top-level elements looking for a matching tag, returning its
// Data or an error if absent. Used for single-pass lookups in flat TLV
// payloads (e.g. the FCI proprietary template and its startup information).
func Find(raw []byte, tag uint32) ([]byte, error) {
	w := NewWalker(raw)
	for {
		n, ok := w.Next()
		if !ok {
			break
		}
		if n.Tag == tag {
			return n.Data, nil
		}
	}
	return nil, fmt.Errorf("tlv: tag %X not found", tag)
}

// encodeLength renders a BER length in short or long form.
func encodeLength(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var lb []byte
	for l := n; l > 0; l >>= 8 {
		lb = append([]byte{byte(l & 0xFF)}, lb...)
	}
	return append([]byte{0x80 | byte(len(lb))}, lb...)
}

// Marshal builds one TLV element from a single-byte tag and raw value.
func Marshal(tag byte, data []byte) []byte {
	out := make([]byte, 0, 2+len(data))
	out = append(out, tag)
	out = append(out, encodeLength(len(data))...)
	out = append(out, data...)
	return out
}

// MarshalWide builds one TLV element from a multi-byte tag (e.g. BF0C).
func MarshalWide(tagBytes []byte, data []byte) []byte {
	out := make([]byte, 0, len(tagBytes)+2+len(data))
	out = append(out, tagBytes...)
	out = append(out, encodeLength(len(data))...)
	out = append(out, data...)
	return out
}
