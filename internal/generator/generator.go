// Package generator evaluates the value generators a matcher definition can
// attach to a field: Date/Time/DateTime (formatted against a chrono-style
// pattern translated to a Go time layout), RandomDecimal, and ProviderState
// (a tiny "${...}" interpolation evaluator over the caller-supplied state
// map). Generators are typed: applying one to an incompatible field kind is
// a hard error rather than a silent cast, per the generator-typing design
// note.
package generator

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/rules"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/wire"
)

// Context supplies the ambient values a generator may need: base times for
// Date/Time/DateTime generators and the provider state map for
// ProviderState.
type Context struct {
	BaseDate     time.Time
	BaseTime     time.Time
	BaseDateTime time.Time
	Now          func() time.Time
	State        map[string]any
}

func (c Context) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Generate evaluates gen against ctx for a field of the given kind,
// returning the generated value as a protoreflect.Value. Only string-kind
// fields are currently supported targets (Date/Time/DateTime/ProviderState
// all produce formatted strings; RandomDecimal produces a decimal string).
func Generate(gen rules.Generator, kind protoreflect.Kind, ctx Context) (protoreflect.Value, error) {
	switch gen.Type {
	case "Date":
		return generateTemporal(gen, kind, ctx.baseOrNow(ctx.BaseDate, ctx))
	case "Time":
		return generateTemporal(gen, kind, ctx.baseOrNow(ctx.BaseTime, ctx))
	case "DateTime":
		return generateTemporal(gen, kind, ctx.baseOrNow(ctx.BaseDateTime, ctx))
	case "RandomDecimal":
		return generateRandomDecimal(gen, kind)
	case "ProviderState":
		return generateProviderState(gen, kind, ctx.State)
	default:
		return protoreflect.Value{}, fmt.Errorf("generator: unknown generator type %q", gen.Type)
	}
}

// Substitute decodes contents against md, applies each generator keyed by
// a single-field-name path (the flat form generators_by_path takes for a
// top-level field) against the caller-supplied context, and re-encodes. A
// generator whose path names a field absent from md is ignored rather than
// failing the whole substitution, since generators persist across pact
// revisions that may have dropped a field.
func Substitute(md protoreflect.MessageDescriptor, contents []byte, generators map[string]rules.Generator, ctx Context) ([]byte, error) {
	if len(generators) == 0 {
		return contents, nil
	}

	msg, err := wire.Decode(md, contents)
	if err != nil {
		return nil, fmt.Errorf("generator: decoding message to substitute into: %w", err)
	}

	for path, gen := range generators {
		fieldName := strings.TrimPrefix(strings.TrimPrefix(path, "$."), "$")
		fd := md.Fields().ByName(protoreflect.Name(fieldName))
		if fd == nil {
			continue
		}
		v, err := Generate(gen, fd.Kind(), ctx)
		if err != nil {
			return nil, fmt.Errorf("generator at %s: %w", path, err)
		}
		msg.Set(fd, v)
	}

	return wire.Encode(msg)
}

func (c Context) baseOrNow(base time.Time, ctx Context) time.Time {
	if base.IsZero() {
		return ctx.now()
	}
	return base
}

func generateTemporal(gen rules.Generator, kind protoreflect.Kind, base time.Time) (protoreflect.Value, error) {
	if kind != protoreflect.StringKind {
		return protoreflect.Value{}, fmt.Errorf("generator: %s generator requires a string field, got %v", gen.Type, kind)
	}
	pattern, _ := gen.Params["format"].(string)
	layout := ChronoToGoLayout(pattern)
	if layout == "" {
		layout = time.RFC3339
	}
	return protoreflect.ValueOfString(base.Format(layout)), nil
}

func generateRandomDecimal(gen rules.Generator, kind protoreflect.Kind) (protoreflect.Value, error) {
	if kind != protoreflect.StringKind {
		return protoreflect.Value{}, fmt.Errorf("generator: RandomDecimal generator requires a string field, got %v", kind)
	}
	digits := 10
	if d, ok := gen.Params["digits"].(float64); ok {
		digits = int(d)
	}
	if digits < 1 {
		digits = 1
	}
	var sb strings.Builder
	sb.WriteByte(byte('1' + rand.IntN(9)))
	for i := 1; i < digits; i++ {
		sb.WriteByte(byte('0' + rand.IntN(10)))
	}
	return protoreflect.ValueOfString(sb.String()), nil
}

func generateProviderState(gen rules.Generator, kind protoreflect.Kind, state map[string]any) (protoreflect.Value, error) {
	if kind != protoreflect.StringKind {
		return protoreflect.Value{}, fmt.Errorf("generator: ProviderState generator requires a string field, got %v", kind)
	}
	expr, _ := gen.Params["expression"].(string)
	result, err := evalProviderStateExpr(expr, state)
	if err != nil {
		return protoreflect.Value{}, err
	}
	return protoreflect.ValueOfString(result), nil
}

// evalProviderStateExpr evaluates an expression like "${id}" or
// "user-${id}-${suffix}" by substituting each "${name}" with
// fmt.Sprint(state[name]).
func evalProviderStateExpr(expr string, state map[string]any) (string, error) {
	var sb strings.Builder
	rest := expr
	for {
		start := strings.Index(rest, "${")
		if start == -1 {
			sb.WriteString(rest)
			break
		}
		sb.WriteString(rest[:start])
		rest = rest[start+2:]
		end := strings.IndexByte(rest, '}')
		if end == -1 {
			return "", fmt.Errorf("generator: unterminated ${...} in provider-state expression %q", expr)
		}
		name := rest[:end]
		rest = rest[end+1:]
		val, ok := state[name]
		if !ok {
			return "", fmt.Errorf("generator: provider state has no value for %q", name)
		}
		sb.WriteString(fmt.Sprint(val))
	}
	return sb.String(), nil
}

// ChronoToGoLayout translates a small, commonly used subset of the
// chrono/strftime-style pattern language pact matcher definitions specify
// dates in (e.g. "yyyy-MM-dd'T'HH:mm:ss") into a Go reference-time layout
// string.
func ChronoToGoLayout(pattern string) string {
	if pattern == "" {
		return ""
	}
	replacer := []struct {
		from, to string
	}{
		{"yyyy", "2006"},
		{"yy", "06"},
		{"MM", "01"},
		{"dd", "02"},
		{"HH", "15"},
		{"mm", "04"},
		{"ss", "05"},
		{"SSS", "000"},
		{"ZZZ", "-0700"},
		{"Z", "Z0700"},
		{"'T'", "T"},
		{"a", "PM"},
	}
	out := pattern
	for _, r := range replacer {
		out = strings.ReplaceAll(out, r.from, r.to)
	}
	return out
}

// FormatRandomDecimalExample renders an example decimal for documentation
// purposes; nothing in this repository calls it.
func FormatRandomDecimalExample(digits int) string {
	return strconv.Itoa(digits) + "-digit decimal"
}
