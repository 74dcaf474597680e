// Package builder implements the Configurator's field-walking algorithm:
// turning a consumer-supplied expectation object (decoded JSON, matcher
// definitions and all) into a populated dynamicpb.Message plus the
// matching-rule and generator tables keyed by the path each rule/generator
// was found at. It is grounded on the same dynamicpb-construction approach
// goja-protobuf uses for fromJSON, generalised to also recognise matcher
// definitions and emit rules/generators rather than discarding them.
package builder

import (
	"encoding/base64"
	"fmt"
	"math"

	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/descriptor"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/docpath"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/matcherdef"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/rules"
)

// Result is the outcome of building a single message part.
type Result struct {
	Message    *dynamicpb.Message
	Rules      *rules.Set
	Generators map[string]rules.Generator
}

// Builder walks an expectation object against a message descriptor,
// resolving nested/enum/map types through the field descriptors themselves.
type Builder struct {
	cache *descriptor.Cache
}

// New returns a Builder holding cache. Enum values and nested message types
// are resolved from each field's descriptor, not through cache.
func New(cache *descriptor.Cache) *Builder {
	return &Builder{cache: cache}
}

// Build constructs a message of type md from obj (the decoded JSON object
// for one interaction part), returning the populated message plus the body
// rules and generators collected while walking.
func (b *Builder) Build(md protoreflect.MessageDescriptor, obj map[string]any) (*Result, error) {
	res := &Result{
		Rules:      rules.NewSet(rules.CategoryBody),
		Generators: make(map[string]rules.Generator),
	}
	msg, err := b.buildMessage(md, obj, docpath.RootPath(), res)
	if err != nil {
		return nil, err
	}
	res.Message = msg
	return res, nil
}

func (b *Builder) buildMessage(md protoreflect.MessageDescriptor, obj map[string]any, path docpath.Path, res *Result) (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(md)

	for key, value := range obj {
		if len(key) >= 5 && key[:5] == "pact:" {
			continue
		}
		fd := md.Fields().ByName(protoreflect.Name(key))
		if fd == nil {
			return nil, fmt.Errorf("builder: message %s has no field %q (available: %s)", md.FullName(), key, availableFields(md))
		}
		fieldPath := path.Field(key)

		if err := b.setField(msg, fd, value, fieldPath, res); err != nil {
			return nil, fmt.Errorf("builder: field %s.%s: %w", md.FullName(), key, err)
		}
	}

	return msg, nil
}

func availableFields(md protoreflect.MessageDescriptor) string {
	var out string
	fields := md.Fields()
	for i := 0; i < fields.Len(); i++ {
		if i > 0 {
			out += ", "
		}
		out += string(fields.Get(i).Name())
	}
	return out
}

func (b *Builder) setField(msg *dynamicpb.Message, fd protoreflect.FieldDescriptor, value any, path docpath.Path, res *Result) error {
	switch {
	case fd.IsMap():
		return b.setMapField(msg, fd, value, path, res)
	case fd.IsList():
		return b.setListField(msg, fd, value, path, res)
	case isWellKnown(fd, "google.protobuf.Struct"):
		sv, err := structFromJSON(value)
		if err != nil {
			return err
		}
		structMsg := dynamicpb.NewMessage(fd.Message())
		structMsg.Set(fd.Message().Fields().ByName("fields"), structFieldsValue(fd.Message(), sv))
		msg.Set(fd, protoreflect.ValueOfMessage(structMsg))
		return nil
	case isWellKnown(fd, "google.protobuf.BytesValue"):
		s, def, err := resolveScalarString(value)
		if err != nil {
			return err
		}
		if def != nil {
			b.applyDef(*def, path, res)
		}
		bv := dynamicpb.NewMessage(fd.Message())
		bv.Set(fd.Message().Fields().ByName("value"), protoreflect.ValueOfBytes([]byte(s)))
		msg.Set(fd, protoreflect.ValueOfMessage(bv))
		return nil
	case fd.Kind() == protoreflect.MessageKind || fd.Kind() == protoreflect.GroupKind:
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("expected object for message field, got %T", value)
		}
		nested, err := b.buildMessage(fd.Message(), obj, path, res)
		if err != nil {
			return err
		}
		msg.Set(fd, protoreflect.ValueOfMessage(nested))
		return nil
	default:
		return b.setScalarField(msg, fd, value, path, res)
	}
}

// isWellKnown reports whether fd is a message-kind field whose message type
// has the given fully-qualified name.
func isWellKnown(fd protoreflect.FieldDescriptor, fqn protoreflect.FullName) bool {
	return (fd.Kind() == protoreflect.MessageKind) && fd.Message().FullName() == fqn
}

func (b *Builder) setMapField(msg *dynamicpb.Message, fd protoreflect.FieldDescriptor, value any, path docpath.Path, res *Result) error {
	obj, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("expected object for map field, got %T", value)
	}
	entry := fd.MapValue()
	mapVal := msg.NewField(fd).Map()

	// A "pact:match" entry alongside ordinary keys is a compound matcher over
	// the whole map, e.g. {"pact:match": "eachKey(matching(regex,'\d+','100')),
	// eachValue(matching(regex,'(\w|\s)+','TestLabel'))"}, rather than a
	// literal entry to populate.
	if matchStr, hasMatch := obj["pact:match"].(string); hasMatch {
		if err := b.setMapFieldFromMatch(mapVal, fd, entry, matchStr, path, res); err != nil {
			return err
		}
		msg.Set(fd, protoreflect.ValueOfMap(mapVal))
		return nil
	}

	for k, v := range obj {
		if len(k) >= 5 && k[:5] == "pact:" {
			continue
		}
		keyVal := protoreflect.ValueOfString(k).MapKey()
		itemPath := path.Field(k)
		if entry.Kind() == protoreflect.MessageKind {
			obj2, ok := v.(map[string]any)
			if !ok {
				return fmt.Errorf("expected object for map value, got %T", v)
			}
			nested, err := b.buildMessage(entry.Message(), obj2, itemPath, res)
			if err != nil {
				return err
			}
			mapVal.Set(keyVal, protoreflect.ValueOfMessage(nested))
			continue
		}
		sv, err := b.scalarValue(entry, v, itemPath, res)
		if err != nil {
			return err
		}
		mapVal.Set(keyVal, sv)
	}
	msg.Set(fd, protoreflect.ValueOfMap(mapVal))
	return nil
}

// setMapFieldFromMatch handles the eachKey(...)/eachValue(...) compound
// matcher over a map field (the "Map with eachKey/eachValue" scenario):
// registers EachKey/EachValue at the map field's own path, carrying the
// inner rules so the body matcher can apply them to every actual key/value,
// then builds one representative entry from the matchers' example values.
func (b *Builder) setMapFieldFromMatch(mapVal protoreflect.Map, fd, entry protoreflect.FieldDescriptor, matchStr string, path docpath.Path, res *Result) error {
	defs, err := matcherdef.ParseAll(matchStr)
	if err != nil {
		return err
	}

	var keyDef, valueDef *matcherdef.Def
	for _, def := range defs {
		switch {
		case def.EachKey != nil:
			inner := *def.EachKey
			res.Rules.Add(path.String(), rules.EachKey{Inner: inner.Rules})
			keyDef = &inner
		case def.EachValue != nil:
			inner := *def.EachValue
			res.Rules.Add(path.String(), rules.EachValue{Inner: inner.Rules})
			valueDef = &inner
		default:
			return fmt.Errorf("map field compound matcher %q must be eachKey(...)/eachValue(...)", matchStr)
		}
	}
	if keyDef == nil {
		return fmt.Errorf("map field compound matcher %q must include eachKey(...)", matchStr)
	}
	if entry.Kind() == protoreflect.MessageKind {
		return fmt.Errorf("eachKey/eachValue on a message-valued map field at %s is not supported", path.String())
	}

	keyVal, err := b.scalarValueFromLiteral(fd.MapKey(), keyDef.Example, path, res)
	if err != nil {
		return err
	}

	entryVal := entry.Default()
	if valueDef != nil {
		entryVal, err = b.scalarValueFromLiteral(entry, valueDef.Example, path, res)
		if err != nil {
			return err
		}
	}

	mapVal.Set(keyVal.MapKey(), entryVal)
	return nil
}

func (b *Builder) setListField(msg *dynamicpb.Message, fd protoreflect.FieldDescriptor, value any, path docpath.Path, res *Result) error {
	list := msg.NewField(fd).List()

	switch v := value.(type) {
	case []any:
		for i, item := range v {
			itemPath := path.Index(i)
			if fd.Kind() == protoreflect.MessageKind {
				obj, ok := item.(map[string]any)
				if !ok {
					return fmt.Errorf("expected object element in repeated message field, got %T", item)
				}
				nested, err := b.buildMessage(fd.Message(), obj, itemPath, res)
				if err != nil {
					return err
				}
				list.Append(protoreflect.ValueOfMessage(nested))
				continue
			}
			sv, err := b.scalarValue(fd, item, itemPath, res)
			if err != nil {
				return err
			}
			list.Append(sv)
		}

	case map[string]any:
		// An object here is a compound matcher definition over the whole
		// repeated field, e.g. {"pact:match": "eachValue(matching(type,'x'))"}.
		matchStr, hasMatch := v["pact:match"].(string)
		if !hasMatch {
			return fmt.Errorf("expected array or pact:match object for repeated field, got object without pact:match")
		}
		defs, err := matcherdef.ParseAll(matchStr)
		if err != nil {
			return err
		}
		for _, def := range defs {
			switch {
			case def.EachValue != nil:
				inner := *def.EachValue
				res.Rules.Add(path.String(), rules.EachValue{Inner: inner.Rules})
				starPath := path.Star()
				if err := b.applyExampleToList(fd, list, inner, starPath, res); err != nil {
					return err
				}
			case def.IsReference:
				referenced, ok := v[def.Reference]
				if !ok {
					return fmt.Errorf("matcher reference %q not found alongside pact:match", def.Reference)
				}
				res.Rules.Add(path.String(), rules.Values{})
				starPath := path.Star()
				res.Rules.Add(starPath.String(), rules.Type{})
				if fd.Kind() == protoreflect.MessageKind {
					obj, ok := referenced.(map[string]any)
					if !ok {
						return fmt.Errorf("matcher reference %q must be an object for a message field", def.Reference)
					}
					nested, err := b.buildMessage(fd.Message(), obj, starPath, res)
					if err != nil {
						return err
					}
					list.Append(protoreflect.ValueOfMessage(nested))
				} else {
					sv, err := b.scalarValue(fd, referenced, starPath, res)
					if err != nil {
						return err
					}
					list.Append(sv)
				}
			default:
				b.applyDef(def, path, res)
				if err := b.applyExampleToList(fd, list, def, path.Star(), res); err != nil {
					return err
				}
			}
		}

	default:
		return fmt.Errorf("expected array for repeated field, got %T", value)
	}

	msg.Set(fd, protoreflect.ValueOfList(list))
	return nil
}

func (b *Builder) applyExampleToList(fd protoreflect.FieldDescriptor, list protoreflect.List, def matcherdef.Def, path docpath.Path, res *Result) error {
	if fd.Kind() == protoreflect.MessageKind {
		return fmt.Errorf("matcher definition example cannot populate a message-typed repeated field at %s", path.String())
	}
	sv, err := b.scalarValueFromLiteral(fd, def.Example, path, res)
	if err != nil {
		return err
	}
	list.Append(sv)
	return nil
}

// scalarValue coerces a raw decoded-JSON value (which may itself be a
// matcher-definition string) into a protoreflect.Value for a scalar field
// descriptor, registering any rules/generators the matcher definition
// carries at path.
func (b *Builder) scalarValue(fd protoreflect.FieldDescriptor, value any, path docpath.Path, res *Result) (protoreflect.Value, error) {
	if s, ok := value.(string); ok {
		if def, err := matcherdef.Parse(s); err == nil && looksLikeMatcherCall(s) {
			b.applyDef(def, path, res)
			return b.scalarValueFromLiteral(fd, def.Example, path, res)
		}
	}
	return b.scalarValueFromJSON(fd, value)
}

func (b *Builder) setScalarField(msg *dynamicpb.Message, fd protoreflect.FieldDescriptor, value any, path docpath.Path, res *Result) error {
	v, err := b.scalarValue(fd, value, path, res)
	if err != nil {
		return err
	}
	msg.Set(fd, v)
	return nil
}

// applyDef registers a matcher definition's rules (and generator, if any)
// at path. A "values" rule found at a wildcard step is re-homed onto the
// parent step, per the walker's special case for compound map/list
// matchers.
func (b *Builder) applyDef(def matcherdef.Def, path docpath.Path, res *Result) {
	target := path
	for _, r := range def.Rules {
		if _, ok := r.(rules.Values); ok && path.IsWildcardStep() {
			target = path.Parent()
		} else {
			target = path
		}
		res.Rules.Add(target.String(), r)
	}
	if def.Generator != nil {
		res.Generators[path.String()] = *def.Generator
	}
}

func looksLikeMatcherCall(s string) bool {
	for _, prefix := range []string{"matching(", "notEmpty(", "regex(", "eachValue(", "eachKey(", "equalTo(", "include(", "semver(", "type("} {
		if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// resolveScalarString extracts a string value, optionally parsing it as a
// matcher definition first.
func resolveScalarString(value any) (string, *matcherdef.Def, error) {
	s, ok := value.(string)
	if !ok {
		return "", nil, fmt.Errorf("expected string value, got %T", value)
	}
	if looksLikeMatcherCall(s) {
		def, err := matcherdef.Parse(s)
		if err == nil {
			return def.Example.Str, &def, nil
		}
	}
	return s, nil, nil
}

func (b *Builder) scalarValueFromLiteral(fd protoreflect.FieldDescriptor, v matcherdef.Value, path docpath.Path, res *Result) (protoreflect.Value, error) {
	switch v.Kind {
	case matcherdef.ValueString:
		return b.scalarValueFromJSON(fd, v.Str)
	case matcherdef.ValueNumber:
		return b.scalarValueFromJSON(fd, v.Num)
	case matcherdef.ValueBool:
		return b.scalarValueFromJSON(fd, v.Bool)
	case matcherdef.ValueNull:
		return b.scalarValueFromJSON(fd, nil)
	default:
		return protoreflect.Value{}, fmt.Errorf("unsupported literal kind")
	}
}

// scalarValueFromJSON coerces a plain decoded-JSON scalar (string, float64,
// bool, nil, or []any for byte arrays) into the wire representation
// required by fd's declared Protobuf type.
func (b *Builder) scalarValueFromJSON(fd protoreflect.FieldDescriptor, value any) (protoreflect.Value, error) {
	switch fd.Kind() {
	case protoreflect.StringKind:
		s, ok := value.(string)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected string for field %s, got %T", fd.Name(), value)
		}
		return protoreflect.ValueOfString(s), nil

	case protoreflect.BoolKind:
		bv, ok := value.(bool)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected bool for field %s, got %T", fd.Name(), value)
		}
		return protoreflect.ValueOfBool(bv), nil

	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		n, err := asFloat(value)
		if err != nil {
			return protoreflect.Value{}, err
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return protoreflect.Value{}, fmt.Errorf("value %v overflows int32 field %s", n, fd.Name())
		}
		return protoreflect.ValueOfInt32(int32(n)), nil

	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		n, err := asFloat(value)
		if err != nil {
			return protoreflect.Value{}, err
		}
		if n < 0 || n > math.MaxUint32 {
			return protoreflect.Value{}, fmt.Errorf("value %v overflows uint32 field %s", n, fd.Name())
		}
		return protoreflect.ValueOfUint32(uint32(n)), nil

	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		n, err := asFloat(value)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfInt64(int64(n)), nil

	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		n, err := asFloat(value)
		if err != nil {
			return protoreflect.Value{}, err
		}
		if n < 0 {
			return protoreflect.Value{}, fmt.Errorf("value %v overflows uint64 field %s", n, fd.Name())
		}
		return protoreflect.ValueOfUint64(uint64(n)), nil

	case protoreflect.FloatKind:
		n, err := asFloat(value)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfFloat32(float32(n)), nil

	case protoreflect.DoubleKind:
		n, err := asFloat(value)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfFloat64(n), nil

	case protoreflect.BytesKind:
		return bytesValue(value)

	case protoreflect.EnumKind:
		return enumValue(fd, value)

	default:
		return protoreflect.Value{}, fmt.Errorf("unsupported scalar field kind %v for field %s", fd.Kind(), fd.Name())
	}
}

func asFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case string:
		// Matcher-definition examples for numeric fields are sometimes
		// carried as strings (e.g. "100"); accept a direct parse.
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
			return 0, fmt.Errorf("cannot parse %q as a number", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", value)
	}
}

func bytesValue(value any) (protoreflect.Value, error) {
	switch v := value.(type) {
	case string:
		if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
			return protoreflect.ValueOfBytes(decoded), nil
		}
		return protoreflect.ValueOfBytes([]byte(v)), nil
	case []any:
		out := make([]byte, len(v))
		for i, elem := range v {
			n, err := asFloat(elem)
			if err != nil {
				return protoreflect.Value{}, err
			}
			out[i] = byte(n)
		}
		return protoreflect.ValueOfBytes(out), nil
	default:
		return protoreflect.Value{}, fmt.Errorf("expected string or byte array, got %T", value)
	}
}

func enumValue(fd protoreflect.FieldDescriptor, value any) (protoreflect.Value, error) {
	switch v := value.(type) {
	case string:
		ev := fd.Enum().Values().ByName(protoreflect.Name(v))
		if ev == nil {
			return protoreflect.Value{}, fmt.Errorf("enum %s has no value %q", fd.Enum().FullName(), v)
		}
		return protoreflect.ValueOfEnum(ev.Number()), nil
	case float64:
		return protoreflect.ValueOfEnum(protoreflect.EnumNumber(int32(v))), nil
	default:
		return protoreflect.Value{}, fmt.Errorf("expected string or number for enum field %s, got %T", fd.Name(), value)
	}
}

// structFromJSON builds a structpb.Struct from an arbitrary decoded-JSON
// value, preserving null/bool/number/string/array/object shapes exactly.
// Matcher definitions inside a Struct value are not parsed: google.protobuf.Struct
// carries opaque user data, not typed protobuf fields, so there is no field
// descriptor to attach a rule to.
func structFromJSON(value any) (*structpb.Struct, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected object for google.protobuf.Struct field, got %T", value)
	}
	return structpb.NewStruct(obj)
}

// structFieldsValue reduces an already-built structpb.Struct down to a
// protoreflect.Value for the "fields" map field of a dynamicpb-represented
// Struct message.
func structFieldsValue(md protoreflect.MessageDescriptor, sv *structpb.Struct) protoreflect.Value {
	fieldsFD := md.Fields().ByName("fields")
	entry := fieldsFD.MapValue()
	m := dynamicpb.NewMessage(md).NewField(fieldsFD).Map()
	for k, v := range sv.GetFields() {
		valMsg := dynamicpb.NewMessage(entry.Message())
		setStructValue(valMsg, v)
		m.Set(protoreflect.ValueOfString(k).MapKey(), protoreflect.ValueOfMessage(valMsg))
	}
	return protoreflect.ValueOfMap(m)
}

func setStructValue(dst *dynamicpb.Message, v *structpb.Value) {
	fields := dst.Descriptor().Fields()
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		dst.Set(fields.ByName("null_value"), protoreflect.ValueOfEnum(0))
	case *structpb.Value_NumberValue:
		dst.Set(fields.ByName("number_value"), protoreflect.ValueOfFloat64(k.NumberValue))
	case *structpb.Value_StringValue:
		dst.Set(fields.ByName("string_value"), protoreflect.ValueOfString(k.StringValue))
	case *structpb.Value_BoolValue:
		dst.Set(fields.ByName("bool_value"), protoreflect.ValueOfBool(k.BoolValue))
	case *structpb.Value_StructValue:
		sub := dynamicpb.NewMessage(fields.ByName("struct_value").Message())
		sf := sub.Descriptor().Fields().ByName("fields")
		m := sub.NewField(sf).Map()
		for fk, fv := range k.StructValue.GetFields() {
			vm := dynamicpb.NewMessage(sf.MapValue().Message())
			setStructValue(vm, fv)
			m.Set(protoreflect.ValueOfString(fk).MapKey(), protoreflect.ValueOfMessage(vm))
		}
		sub.Set(sf, protoreflect.ValueOfMap(m))
		dst.Set(fields.ByName("struct_value"), protoreflect.ValueOfMessage(sub))
	case *structpb.Value_ListValue:
		lf := fields.ByName("list_value")
		sub := dynamicpb.NewMessage(lf.Message())
		valuesFD := sub.Descriptor().Fields().ByName("values")
		list := sub.NewField(valuesFD).List()
		for _, item := range k.ListValue.GetValues() {
			vm := dynamicpb.NewMessage(valuesFD.Message())
			setStructValue(vm, item)
			list.Append(protoreflect.ValueOfMessage(vm))
		}
		sub.Set(valuesFD, protoreflect.ValueOfList(list))
		dst.Set(lf, protoreflect.ValueOfMessage(sub))
	}
}
