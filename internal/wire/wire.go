// Package wire implements the protobuf wire codec used when decoding a
// captured interaction body for matching and when encoding a message back to
// bytes after generator substitution. Known fields are handled entirely by
// google.golang.org/protobuf against a dynamicpb.Message; the only
// hand-rolled piece is unknown.go, which splits the single concatenated
// "unknown fields" blob protoreflect exposes back into individually tagged
// entries, since the plugin needs to report each unknown field separately.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Decode unmarshals data into a fresh dynamic message of the given
// descriptor.
func Decode(md protoreflect.MessageDescriptor, data []byte) (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(md)
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", md.FullName(), err)
	}
	return msg, nil
}

// Encode marshals msg to its binary wire form.
func Encode(msg protoreflect.ProtoMessage) ([]byte, error) {
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", msg.ProtoReflect().Descriptor().FullName(), err)
	}
	return data, nil
}

// Field is the decoded representation of a single wire-level field,
// including unknown fields recovered by unknown.go.
type Field struct {
	FieldNum  int32
	FieldName string
	WireType  WireType
	Known     bool
	Value     protoreflect.Value
	FieldDesc protoreflect.FieldDescriptor
	Raw       []byte // populated for unknown fields only
}

// WireType mirrors the six protobuf wire types.
type WireType int

const (
	WireVarint          WireType = 0
	WireFixed64         WireType = 1
	WireBytes           WireType = 2
	WireStartGroup      WireType = 3
	WireEndGroup        WireType = 4
	WireFixed32         WireType = 5
	WireTypeUnspecified WireType = -1
)

// Fields returns every known field present on msg plus every unknown field
// recovered from its unknown-fields tail, each tagged with its field number
// and wire type.
func Fields(msg *dynamicpb.Message) []Field {
	var out []Field

	msg.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		out = append(out, Field{
			FieldNum:  int32(fd.Number()),
			FieldName: string(fd.Name()),
			WireType:  wireTypeOf(fd),
			Known:     true,
			Value:     v,
			FieldDesc: fd,
		})
		return true
	})

	for _, u := range SplitUnknown(msg.GetUnknown()) {
		out = append(out, Field{
			FieldNum: u.Number,
			WireType: WireType(u.Type),
			Known:    false,
			Raw:      u.Data,
		})
	}

	return out
}

func wireTypeOf(fd protoreflect.FieldDescriptor) WireType {
	switch fd.Kind() {
	case protoreflect.MessageKind, protoreflect.GroupKind, protoreflect.StringKind, protoreflect.BytesKind:
		return WireBytes
	case protoreflect.DoubleKind, protoreflect.Fixed64Kind, protoreflect.Sfixed64Kind:
		return WireFixed64
	case protoreflect.FloatKind, protoreflect.Fixed32Kind, protoreflect.Sfixed32Kind:
		return WireFixed32
	default:
		if fd.IsPacked() {
			return WireBytes
		}
		return WireVarint
	}
}
