// Package bodymatch implements the structural body matcher: comparing a
// decoded expected message against a decoded actual message field by
// field, honoring the matching rules registered at each path. The compare
// shape (per-field dispatch on map/repeated/scalar/nested-message, with a
// DiffConfig controlling how unexpected actual fields are treated) mirrors
// the real implementation's compare_message/match_message pair.
package bodymatch

import (
	"fmt"
	"math"

	"github.com/Masterminds/semver/v3"
	"github.com/dlclark/regexp2"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/docpath"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/rules"
)

// DiffConfig controls whether actual fields absent from the expectation are
// reported as mismatches.
type DiffConfig int

const (
	AllowUnexpectedKeys DiffConfig = iota
	NoUnexpectedKeys
)

// Mismatch describes a single field-level disagreement between expected and
// actual.
type Mismatch struct {
	Path     string
	Expected string
	Actual   string
	Message  string
}

// Result is the outcome of comparing one message pair.
type Result struct {
	TypeMismatch *string // non-nil: the comparison never started, e.g. decode failure
	Mismatches   map[string][]Mismatch
}

// Ok reports whether the comparison found no mismatches at all.
func (r Result) Ok() bool {
	return r.TypeMismatch == nil && len(r.Mismatches) == 0
}

func (r *Result) add(path string, m Mismatch) {
	if r.Mismatches == nil {
		r.Mismatches = make(map[string][]Mismatch)
	}
	r.Mismatches[path] = append(r.Mismatches[path], m)
}

// Context carries the shared state a comparison run needs: the rule set for
// the body category and the diff mode.
type Context struct {
	Rules *rules.Set
	Diff  DiffConfig
}

// CompareMessage compares expected against actual, both already-decoded
// messages of the same descriptor, starting at path.
func CompareMessage(ctx *Context, path docpath.Path, expected, actual protoreflect.Message) Result {
	var result Result

	if !hasAnyField(expected) {
		return result
	}
	if !hasAnyField(actual) {
		msg := fmt.Sprintf("expected message '%s' but was missing or empty", expected.Descriptor().FullName())
		result.add(path.String(), Mismatch{Path: path.String(), Message: msg})
		return result
	}

	seen := make(map[protoreflect.FieldNumber]bool)

	expected.Range(func(fd protoreflect.FieldDescriptor, ev protoreflect.Value) bool {
		seen[fd.Number()] = true
		fieldPath := path.Field(string(fd.Name()))
		compareField(ctx, &result, fieldPath, fd, expected, actual)
		return true
	})

	if ctx.Diff == NoUnexpectedKeys {
		actual.Range(func(fd protoreflect.FieldDescriptor, _ protoreflect.Value) bool {
			if fd.IsList() || fd.IsMap() || seen[fd.Number()] {
				return true
			}
			fieldPath := path.Field(string(fd.Name()))
			result.add(fieldPath.String(), Mismatch{
				Path:    fieldPath.String(),
				Message: fmt.Sprintf("unexpected field %q in actual message", fd.Name()),
			})
			return true
		})
	}

	return result
}

func hasAnyField(m protoreflect.Message) bool {
	has := false
	m.Range(func(protoreflect.FieldDescriptor, protoreflect.Value) bool {
		has = true
		return false
	})
	return has
}

func compareField(ctx *Context, result *Result, fieldPath docpath.Path, fd protoreflect.FieldDescriptor, expected, actual protoreflect.Message) {
	if fd.IsList() {
		if pr, ok := ctx.Rules.Get(fieldPath.String()); ok {
			for _, r := range pr.Rules {
				if ev, isEach := r.(rules.EachValue); isEach {
					compareEachValue(ctx, result, fieldPath, fd, ev, expected, actual)
					return
				}
			}
		}
	}

	switch {
	case fd.IsMap():
		compareMap(ctx, result, fieldPath, fd, expected, actual)
	case fd.IsList():
		compareList(ctx, result, fieldPath, fd, expected, actual)
	default:
		if !actual.Has(fd) {
			if ctx.Diff != AllowUnexpectedKeys {
				result.add(fieldPath.String(), Mismatch{
					Path:    fieldPath.String(),
					Message: fmt.Sprintf("missing field %q in actual message", fd.Name()),
				})
			}
			return
		}
		compareScalarOrMessage(ctx, result, fieldPath, fd, expected.Get(fd), actual.Get(fd))
	}
}

func compareEachValue(ctx *Context, result *Result, fieldPath docpath.Path, fd protoreflect.FieldDescriptor, ev rules.EachValue, expected, actual protoreflect.Message) {
	actualList := actual.Get(fd).List()
	expList := expected.Get(fd).List()
	for i := 0; i < actualList.Len(); i++ {
		av := actualList.Get(i)
		idxPath := fieldPath.Index(i)
		if fd.Kind() == protoreflect.MessageKind {
			if i < expList.Len() {
				sub := CompareMessage(ctx, idxPath, expList.Get(i).Message(), av.Message())
				mergeInto(result, sub)
			}
			continue
		}
		// The expected side carries a single representative entry built from
		// the matcher's example, not one entry per actual element.
		exv := av
		if expList.Len() > 0 {
			exv = expList.Get(0)
		}
		for _, r := range ev.Inner {
			if ok, why := evalRule(r, exv, av); !ok {
				result.add(idxPath.String(), Mismatch{Path: idxPath.String(), Message: why})
			}
		}
	}
}

func compareMap(ctx *Context, result *Result, fieldPath docpath.Path, fd protoreflect.FieldDescriptor, expected, actual protoreflect.Message) {
	keyAgnostic := false
	var eachKey *rules.EachKey
	var eachValue *rules.EachValue
	if pr, ok := ctx.Rules.Get(fieldPath.String()); ok {
		for _, r := range pr.Rules {
			switch rule := r.(type) {
			case rules.Values:
				keyAgnostic = true
			case rules.EachKey:
				eachKey = &rule
			case rules.EachValue:
				eachValue = &rule
			}
		}
	}

	entryMd := fd.MapValue()
	actMap := actual.Get(fd).Map()

	if eachKey != nil || eachValue != nil {
		compareEachKeyValue(result, fieldPath, eachKey, eachValue, actMap)
		return
	}

	expMap := expected.Get(fd).Map()

	expMap.Range(func(k protoreflect.MapKey, ev protoreflect.Value) bool {
		entryPath := fieldPath.Field(k.String())
		if keyAgnostic {
			matched := false
			actMap.Range(func(_ protoreflect.MapKey, av protoreflect.Value) bool {
				if valuesMatch(entryMd, ev, av) {
					matched = true
					return false
				}
				return true
			})
			if !matched {
				result.add(fieldPath.String(), Mismatch{Path: fieldPath.String(), Message: fmt.Sprintf("no actual map entry matched expected value for key %q", k.String())})
			}
			return true
		}
		if !actMap.Has(k) {
			result.add(entryPath.String(), Mismatch{Path: entryPath.String(), Message: fmt.Sprintf("missing map key %q", k.String())})
			return true
		}
		av := actMap.Get(k)
		if entryMd.Kind() == protoreflect.MessageKind {
			sub := CompareMessage(ctx, entryPath, ev.Message(), av.Message())
			mergeInto(result, sub)
			return true
		}
		compareScalarOrMessage(ctx, result, entryPath, entryMd, ev, av)
		return true
	})
}

// compareEachKeyValue applies eachKey/eachValue's inner rules to every entry
// of actMap. There is no expected-side map to align against: the rules alone
// decide whether each actual key and value passes.
func compareEachKeyValue(result *Result, fieldPath docpath.Path, eachKey *rules.EachKey, eachValue *rules.EachValue, actMap protoreflect.Map) {
	actMap.Range(func(k protoreflect.MapKey, v protoreflect.Value) bool {
		entryPath := fieldPath.Field(k.String())
		if eachKey != nil {
			kv := k.Value()
			for _, r := range eachKey.Inner {
				if ok, why := evalRule(r, kv, kv); !ok {
					result.add(entryPath.String(), Mismatch{Path: entryPath.String(), Message: "map key: " + why})
				}
			}
		}
		if eachValue != nil {
			for _, r := range eachValue.Inner {
				if ok, why := evalRule(r, v, v); !ok {
					result.add(entryPath.String(), Mismatch{Path: entryPath.String(), Message: why})
				}
			}
		}
		return true
	})
}

func valuesMatch(fd protoreflect.FieldDescriptor, a, b protoreflect.Value) bool {
	if fd.Kind() == protoreflect.MessageKind {
		return false // structural map value equality for messages is out of scope for the key-agnostic fast path
	}
	return a.Interface() == b.Interface()
}

func compareList(ctx *Context, result *Result, fieldPath docpath.Path, fd protoreflect.FieldDescriptor, expected, actual protoreflect.Message) {
	expList := expected.Get(fd).List()
	actList := actual.Get(fd).List()
	for i := 0; i < expList.Len(); i++ {
		idxPath := fieldPath.Index(i)
		if i >= actList.Len() {
			result.add(idxPath.String(), Mismatch{Path: idxPath.String(), Message: "expected list element missing in actual"})
			continue
		}
		ev, av := expList.Get(i), actList.Get(i)
		if fd.Kind() == protoreflect.MessageKind {
			sub := CompareMessage(ctx, idxPath, ev.Message(), av.Message())
			mergeInto(result, sub)
			continue
		}
		compareScalarOrMessage(ctx, result, idxPath, fd, ev, av)
	}
}

func compareScalarOrMessage(ctx *Context, result *Result, path docpath.Path, fd protoreflect.FieldDescriptor, ev, av protoreflect.Value) {
	if fd.Kind() == protoreflect.MessageKind {
		sub := CompareMessage(ctx, path, ev.Message(), av.Message())
		mergeInto(result, sub)
		return
	}

	if pr, ok := ctx.Rules.Get(path.String()); ok {
		applyScalarRules(result, path, pr, ev, av)
		return
	}

	if !scalarEqual(fd, ev, av) {
		result.add(path.String(), Mismatch{
			Path:     path.String(),
			Expected: fmt.Sprint(ev.Interface()),
			Actual:   fmt.Sprint(av.Interface()),
			Message:  "values do not match",
		})
	}
}

func scalarEqual(fd protoreflect.FieldDescriptor, a, b protoreflect.Value) bool {
	if fd.Kind() == protoreflect.FloatKind || fd.Kind() == protoreflect.DoubleKind {
		af, bf := a.Float(), b.Float()
		if math.IsNaN(af) && math.IsNaN(bf) {
			return false
		}
		return af == bf
	}
	return a.Interface() == b.Interface()
}

func applyScalarRules(result *Result, path docpath.Path, pr *rules.PathRules, ev, av protoreflect.Value) {
	var failures []string
	for _, r := range pr.Rules {
		if ok, why := evalRule(r, ev, av); !ok {
			failures = append(failures, why)
		} else if pr.Logic == rules.Or {
			return
		}
	}
	if pr.Logic == rules.And && len(failures) == 0 {
		return
	}
	if pr.Logic == rules.Or && len(failures) < len(pr.Rules) {
		return
	}
	for _, why := range failures {
		result.add(path.String(), Mismatch{Path: path.String(), Message: why})
	}
}

func evalRule(r rules.Rule, ev, av protoreflect.Value) (bool, string) {
	switch rule := r.(type) {
	case rules.Type:
		return sameGoKind(ev, av), fmt.Sprintf("type mismatch at expected kind %T", ev.Interface())
	case rules.Equality:
		return ev.Interface() == av.Interface(), "values are not equal"
	case rules.NotEmpty:
		s := fmt.Sprint(av.Interface())
		return s != "", "value is empty"
	case rules.Regex:
		return matchRegexSimple(rule.Pattern, fmt.Sprint(av.Interface())), fmt.Sprintf("value does not match regex %q", rule.Pattern)
	case rules.Number:
		return isNumeric(av), "value is not numeric"
	case rules.Integer:
		return isNumeric(av) && av.Float() == math.Trunc(av.Float()), "value is not an integer"
	case rules.Decimal:
		return isNumeric(av) && av.Float() != math.Trunc(av.Float()), "value is not a decimal"
	case rules.Boolean:
		_, ok := av.Interface().(bool)
		return ok, "value is not a boolean"
	case rules.Include:
		return containsSubstring(fmt.Sprint(av.Interface()), rule.Value), fmt.Sprintf("value does not include %q", rule.Value)
	case rules.Semver:
		_, err := semver.NewVersion(fmt.Sprint(av.Interface()))
		return err == nil, "value is not a valid semantic version"
	default:
		return true, ""
	}
}

func sameGoKind(a, b protoreflect.Value) bool {
	switch a.Interface().(type) {
	case string:
		_, ok := b.Interface().(string)
		return ok
	case bool:
		_, ok := b.Interface().(bool)
		return ok
	default:
		return isNumeric(a) == isNumeric(b)
	}
}

func isNumeric(v protoreflect.Value) bool {
	switch v.Interface().(type) {
	case int32, int64, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}

func containsSubstring(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// matchRegexSimple compiles pattern with regexp2, which supports the
// broader .NET-flavoured regex syntax pact matcher definitions are
// authored against (lookaround, backreferences), unlike stdlib regexp's
// RE2 dialect.
func matchRegexSimple(pattern, s string) bool {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return false
	}
	ok, err := re.MatchString(s)
	return err == nil && ok
}

func mergeInto(dst *Result, src Result) {
	if src.TypeMismatch != nil && dst.TypeMismatch == nil {
		dst.TypeMismatch = src.TypeMismatch
	}
	for path, ms := range src.Mismatches {
		if dst.Mismatches == nil {
			dst.Mismatches = make(map[string][]Mismatch)
		}
		dst.Mismatches[path] = append(dst.Mismatches[path], ms...)
	}
}
