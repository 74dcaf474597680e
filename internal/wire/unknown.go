package wire

import "google.golang.org/protobuf/encoding/protowire"

// UnknownEntry is one field-number/wire-type pair recovered from an unknown
// fields blob, along with the raw bytes of that single field's encoding
// (tag excluded).
type UnknownEntry struct {
	Number int32
	Type   protowire.Type
	Data   []byte
}

// SplitUnknown walks the concatenated unknown-fields blob protoreflect
// exposes as a single byte slice (Message.GetUnknown()) and splits it back
// into individual tagged entries. protoreflect only ever hands back the
// whole tail, but callers reporting decoded fields need each unknown field
// reported separately by number and wire type, so this is the one place in
// the codebase that walks raw wire bytes by hand.
func SplitUnknown(b []byte) []UnknownEntry {
	var out []UnknownEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return out
		}
		start := n
		valLen := protowire.ConsumeFieldValue(num, typ, b[n:])
		if valLen < 0 {
			return out
		}
		end := start + valLen
		out = append(out, UnknownEntry{
			Number: int32(num),
			Type:   typ,
			Data:   b[start:end],
		})
		b = b[end:]
	}
	return out
}
