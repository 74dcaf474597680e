// Package matcherdef parses the matcher-definition grammar consumed by the
// message builder: strings like matching(regex,'\d+','100'),
// notEmpty('TYPE1'), eachValue(matching(type,'x')), or a bare reference
// matching($'Name'). It implements only the subset of the grammar the
// Configurator needs: extracting the example value, collecting
// rules under And logic, resolving references for compound matchers, and
// recognising a trailing generator clause.
package matcherdef

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/rules"
)

// Value is a tagged literal carried by a matcher definition: the "example"
// a matcher resolves to, used to build the wire-level payload.
type Value struct {
	Kind   ValueKind
	Str    string
	Num    float64
	Bool   bool
	IsNull bool
}

// ValueKind discriminates the literal kinds a Value can hold.
type ValueKind int

const (
	ValueString ValueKind = iota
	ValueNumber
	ValueBool
	ValueNull
)

// Def is a parsed matcher definition: an example value plus the rules that
// apply at the path it was found on, with an optional nested definition for
// eachValue/eachKey and an optional reference name for matching($'Name').
type Def struct {
	Example     Value
	Rules       []rules.Rule
	Generator   *rules.Generator
	EachValue   *Def
	EachKey     *Def
	Reference   string
	IsReference bool
}

// ParseAll splits a top-level comma-separated list of matcher-definition
// function calls (as found verbatim in a "pact:match" value, e.g.
// "eachKey(matching(regex,'\d+','100')), eachValue(matching(regex,'(\w|\s)+','TestLabel'))")
// and parses each independently. A simple single definition parses to a
// one-element slice.
func ParseAll(input string) ([]Def, error) {
	parts := splitTopLevel(input, ',')
	defs := make([]Def, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := Parse(part)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("matcherdef: empty matcher definition")
	}
	return defs, nil
}

// Parse parses a single matcher-definition function call.
func Parse(input string) (Def, error) {
	p := &parser{s: strings.TrimSpace(input)}
	d, err := p.parseCall()
	if err != nil {
		return Def{}, fmt.Errorf("matcherdef: parsing %q: %w", input, err)
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return Def{}, fmt.Errorf("matcherdef: trailing input after %q: %q", input, p.s[p.pos:])
	}
	return d, nil
}

type parser struct {
	s   string
	pos int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t' || p.s[p.pos] == '\n') {
		p.pos++
	}
}

func (p *parser) parseCall() (Def, error) {
	p.skipSpace()
	name, err := p.parseIdent()
	if err != nil {
		return Def{}, err
	}
	p.skipSpace()
	if p.pos >= len(p.s) || p.s[p.pos] != '(' {
		return Def{}, fmt.Errorf("expected '(' after %q", name)
	}
	p.pos++ // consume '('
	args, err := p.parseArgs()
	if err != nil {
		return Def{}, err
	}
	p.skipSpace()
	if p.pos >= len(p.s) || p.s[p.pos] != ')' {
		return Def{}, fmt.Errorf("expected ')' to close %q(...)", name)
	}
	p.pos++ // consume ')'

	return buildDef(name, args)
}

func (p *parser) parseIdent() (string, error) {
	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == '(' || c == ')' || c == ',' || c == ' ' {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return "", fmt.Errorf("expected identifier at %d", start)
	}
	return p.s[start:p.pos], nil
}

// arg is one parsed call argument: either a literal, a nested call, or a
// $'Name' reference.
type arg struct {
	lit       *Value
	call      *callArg
	reference string
	isRef     bool
}

type callArg struct {
	name string
	args []arg
}

func (p *parser) parseArgs() ([]arg, error) {
	var out []arg
	p.skipSpace()
	if p.pos < len(p.s) && p.s[p.pos] == ')' {
		return out, nil
	}
	for {
		a, err := p.parseArg()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
		p.skipSpace()
		if p.pos < len(p.s) && p.s[p.pos] == ',' {
			p.pos++
			p.skipSpace()
			continue
		}
		break
	}
	return out, nil
}

func (p *parser) parseArg() (arg, error) {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return arg{}, fmt.Errorf("unexpected end of input")
	}
	switch {
	case p.s[p.pos] == '\'' || p.s[p.pos] == '"':
		v, err := p.parseString()
		if err != nil {
			return arg{}, err
		}
		return arg{lit: &Value{Kind: ValueString, Str: v}}, nil
	case p.s[p.pos] == '$':
		p.pos++
		if p.pos >= len(p.s) || (p.s[p.pos] != '\'' && p.s[p.pos] != '"') {
			return arg{}, fmt.Errorf("expected quoted name after $")
		}
		name, err := p.parseString()
		if err != nil {
			return arg{}, err
		}
		return arg{reference: name, isRef: true}, nil
	case isIdentStart(p.s[p.pos]):
		// Could be a bare identifier (true/false/null/a rule-type keyword)
		// or a nested function call.
		ident, err := p.parseIdent()
		if err != nil {
			return arg{}, err
		}
		p.skipSpace()
		if p.pos < len(p.s) && p.s[p.pos] == '(' {
			p.pos++
			nestedArgs, err := p.parseArgs()
			if err != nil {
				return arg{}, err
			}
			p.skipSpace()
			if p.pos >= len(p.s) || p.s[p.pos] != ')' {
				return arg{}, fmt.Errorf("expected ')' to close %q(...)", ident)
			}
			p.pos++
			return arg{call: &callArg{name: ident, args: nestedArgs}}, nil
		}
		switch ident {
		case "true":
			return arg{lit: &Value{Kind: ValueBool, Bool: true}}, nil
		case "false":
			return arg{lit: &Value{Kind: ValueBool, Bool: false}}, nil
		case "null":
			return arg{lit: &Value{Kind: ValueNull}}, nil
		default:
			// Bare keyword, e.g. the rule-type argument to matching(...):
			// matching(type,'x') — "type" is a bare identifier.
			return arg{lit: &Value{Kind: ValueString, Str: ident}}, nil
		}
	default:
		num, err := p.parseNumber()
		if err != nil {
			return arg{}, err
		}
		return arg{lit: &Value{Kind: ValueNumber, Num: num}}, nil
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func (p *parser) parseString() (string, error) {
	quote := p.s[p.pos]
	p.pos++
	var sb strings.Builder
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == '\\' && p.pos+1 < len(p.s) {
			if p.s[p.pos+1] != quote {
				sb.WriteByte(c)
			}
			sb.WriteByte(p.s[p.pos+1])
			p.pos += 2
			continue
		}
		if c == quote {
			p.pos++
			return sb.String(), nil
		}
		sb.WriteByte(c)
		p.pos++
	}
	return "", fmt.Errorf("unterminated string literal")
}

func (p *parser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E' {
			p.pos++
			continue
		}
		break
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at %d", start)
	}
	return strconv.ParseFloat(p.s[start:p.pos], 64)
}

// splitTopLevel splits s on sep, ignoring separators nested inside
// parentheses or quotes.
func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
				continue
			}
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// buildDef turns a parsed top-level call (name + args) into a Def.
func buildDef(name string, args []arg) (Def, error) {
	switch name {
	case "eachValue":
		if len(args) != 1 || args[0].call == nil {
			return Def{}, fmt.Errorf("eachValue expects exactly one nested matcher call")
		}
		inner, err := buildDef(args[0].call.name, args[0].call.args)
		if err != nil {
			return Def{}, err
		}
		return Def{Example: inner.Example, EachValue: &inner}, nil

	case "eachKey":
		if len(args) != 1 || args[0].call == nil {
			return Def{}, fmt.Errorf("eachKey expects exactly one nested matcher call")
		}
		inner, err := buildDef(args[0].call.name, args[0].call.args)
		if err != nil {
			return Def{}, err
		}
		return Def{Example: inner.Example, EachKey: &inner}, nil

	case "matching":
		return buildMatching(args)

	case "notEmpty":
		if len(args) != 1 || args[0].lit == nil {
			return Def{}, fmt.Errorf("notEmpty expects a single literal example")
		}
		return Def{Example: *args[0].lit, Rules: []rules.Rule{rules.NotEmpty{}}}, nil

	case "regex":
		return buildSingleRule(args, func(pattern string) rules.Rule { return rules.Regex{Pattern: pattern} })

	case "equalTo":
		if len(args) != 1 || args[0].lit == nil {
			return Def{}, fmt.Errorf("equalTo expects a single literal example")
		}
		return Def{Example: *args[0].lit, Rules: []rules.Rule{rules.Equality{}}}, nil

	case "include":
		if len(args) != 1 || args[0].lit == nil {
			return Def{}, fmt.Errorf("include expects a single literal example")
		}
		return Def{Example: *args[0].lit, Rules: []rules.Rule{rules.Include{Value: args[0].lit.Str}}}, nil

	case "semver":
		if len(args) != 1 || args[0].lit == nil {
			return Def{}, fmt.Errorf("semver expects a single literal example")
		}
		return Def{Example: *args[0].lit, Rules: []rules.Rule{rules.Semver{}}}, nil

	case "type":
		if len(args) != 1 || args[0].lit == nil {
			return Def{}, fmt.Errorf("type expects a single literal example")
		}
		return Def{Example: *args[0].lit, Rules: []rules.Rule{rules.Type{}}}, nil

	default:
		return Def{}, fmt.Errorf("unknown matcher function %q", name)
	}
}

// buildSingleRule handles the two-argument "pattern, example" form used by
// regex-like rules when invoked directly (not via matching(...)); any other
// argument count is an error.
func buildSingleRule(args []arg, mk func(pattern string) rules.Rule) (Def, error) {
	if len(args) != 2 || args[0].lit == nil || args[1].lit == nil {
		return Def{}, fmt.Errorf("expected (pattern, example)")
	}
	return Def{Example: *args[1].lit, Rules: []rules.Rule{mk(args[0].lit.Str)}}, nil
}

// buildMatching handles matching(ruleType, ...) and the reference form
// matching($'Name').
func buildMatching(args []arg) (Def, error) {
	if len(args) == 1 && args[0].isRef {
		return Def{Reference: args[0].reference, IsReference: true}, nil
	}
	if len(args) == 0 || args[0].lit == nil {
		return Def{}, fmt.Errorf("matching(...) expects a rule-type keyword first")
	}
	ruleType := args[0].lit.Str

	switch ruleType {
	case "regex":
		if len(args) != 3 || args[1].lit == nil || args[2].lit == nil {
			return Def{}, fmt.Errorf("matching(regex, pattern, example) expects 3 arguments")
		}
		return Def{Example: *args[2].lit, Rules: []rules.Rule{rules.Regex{Pattern: args[1].lit.Str}}}, nil

	case "type":
		if len(args) != 2 || args[1].lit == nil {
			return Def{}, fmt.Errorf("matching(type, example) expects 2 arguments")
		}
		return Def{Example: *args[1].lit, Rules: []rules.Rule{rules.Type{}}}, nil

	case "boolean":
		if len(args) != 2 || args[1].lit == nil {
			return Def{}, fmt.Errorf("matching(boolean, example) expects 2 arguments")
		}
		return Def{Example: *args[1].lit, Rules: []rules.Rule{rules.Boolean{}}}, nil

	case "number":
		return buildNumericMatching(args, rules.Number{})
	case "integer":
		return buildNumericMatching(args, rules.Integer{})
	case "decimal":
		return buildNumericMatching(args, rules.Decimal{})

	case "equalTo", "equality":
		if len(args) != 2 || args[1].lit == nil {
			return Def{}, fmt.Errorf("matching(equalTo, example) expects 2 arguments")
		}
		return Def{Example: *args[1].lit, Rules: []rules.Rule{rules.Equality{}}}, nil

	case "notEmpty":
		if len(args) != 2 || args[1].lit == nil {
			return Def{}, fmt.Errorf("matching(notEmpty, example) expects 2 arguments")
		}
		return Def{Example: *args[1].lit, Rules: []rules.Rule{rules.NotEmpty{}}}, nil

	case "semver":
		if len(args) != 2 || args[1].lit == nil {
			return Def{}, fmt.Errorf("matching(semver, example) expects 2 arguments")
		}
		return Def{Example: *args[1].lit, Rules: []rules.Rule{rules.Semver{}}}, nil

	case "include":
		if len(args) != 2 || args[1].lit == nil {
			return Def{}, fmt.Errorf("matching(include, example) expects 2 arguments")
		}
		return Def{Example: *args[1].lit, Rules: []rules.Rule{rules.Include{Value: args[1].lit.Str}}}, nil

	case "values":
		if len(args) != 2 || args[1].lit == nil {
			return Def{}, fmt.Errorf("matching(values, example) expects 2 arguments")
		}
		return Def{Example: *args[1].lit, Rules: []rules.Rule{rules.Values{}}}, nil

	case "grpc-status":
		if len(args) != 2 || args[1].lit == nil {
			return Def{}, fmt.Errorf("matching(grpc-status, example) expects 2 arguments")
		}
		return Def{Example: *args[1].lit, Rules: []rules.Rule{rules.GrpcStatus{Status: args[1].lit.Str}}}, nil

	case "grpc-message":
		switch len(args) {
		case 2:
			if args[1].lit == nil {
				return Def{}, fmt.Errorf("matching(grpc-message, example) expects a literal example")
			}
			return Def{Example: *args[1].lit, Rules: []rules.Rule{rules.GrpcMessage{Inner: rules.Equality{}}}}, nil
		case 3:
			if args[1].lit == nil || args[2].lit == nil {
				return Def{}, fmt.Errorf("matching(grpc-message, pattern, example) expects 3 arguments")
			}
			return Def{Example: *args[2].lit, Rules: []rules.Rule{rules.GrpcMessage{Inner: rules.Regex{Pattern: args[1].lit.Str}}}}, nil
		default:
			return Def{}, fmt.Errorf("matching(grpc-message, ...) expects 2 or 3 arguments")
		}

	default:
		return Def{}, fmt.Errorf("unsupported matching() rule type %q", ruleType)
	}
}

func buildNumericMatching(args []arg, rule rules.Rule) (Def, error) {
	if len(args) != 2 || args[1].lit == nil {
		return Def{}, fmt.Errorf("matching(<numeric>, example) expects 2 arguments")
	}
	return Def{Example: *args[1].lit, Rules: []rules.Rule{rule}}, nil
}
