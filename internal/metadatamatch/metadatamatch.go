// Package metadatamatch implements the metadata matcher: comparing an
// expected string-keyed metadata map against an actual HTTP-header-like
// multimap, honoring rules registered at a single-step DocPath keyed by the
// header name. The "grpc-status"/"grpc-message" keys are special-cased
// because, on the response side, they never travel as ordinary gRPC
// trailers — they are derived from the RPC's status.
package metadatamatch

import (
	"strings"

	"github.com/dlclark/regexp2"
	"google.golang.org/grpc/codes"

	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/docpath"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/rules"
)

// Actual is the actual-side metadata: a case-insensitive multimap, mirroring
// gRPC/HTTP header semantics (first value wins for comparison purposes).
type Actual map[string][]string

// Get returns the first value for key, case-insensitively, and whether it
// was present.
func (a Actual) Get(key string) (string, bool) {
	for k, vs := range a {
		if strings.EqualFold(k, key) && len(vs) > 0 {
			return vs[0], true
		}
	}
	return "", false
}

// Mismatch describes one metadata key disagreement.
type Mismatch struct {
	Key     string
	Message string
}

// Result is the outcome of comparing one metadata map.
type Result struct {
	Mismatches []Mismatch
}

func (r Result) Ok() bool { return len(r.Mismatches) == 0 }

// Status carries the gRPC status code/message for a response, used to
// resolve the synthetic "grpc-status"/"grpc-message" metadata keys.
type Status struct {
	Code    codes.Code
	Message string
}

// Compare compares expected against actual using rs (the metadata category
// rule set). status, if non-nil, supplies the synthetic grpc-status/
// grpc-message values for a response comparison.
func Compare(rs *rules.Set, expected map[string]string, actual Actual, status *Status) Result {
	var result Result

	for key, expectedVal := range expected {
		path := docpath.RootPath().Field(key)

		actualVal, ok := resolveActual(key, actual, status)
		if !ok {
			result.Mismatches = append(result.Mismatches, Mismatch{Key: key, Message: "expected metadata key is missing from actual"})
			continue
		}

		if pr, ruleOK := rs.Get(path.String()); ruleOK {
			if !applyRules(pr, expectedVal, actualVal) {
				result.Mismatches = append(result.Mismatches, Mismatch{Key: key, Message: "value did not satisfy matching rule"})
			}
			continue
		}

		if strings.EqualFold(key, "grpc-status") || strings.EqualFold(key, "grpc-message") || isGRPCHeaderKey(key) {
			if !strings.EqualFold(expectedVal, actualVal) {
				result.Mismatches = append(result.Mismatches, Mismatch{Key: key, Message: "values do not match (case-insensitive)"})
			}
			continue
		}

		if expectedVal != actualVal {
			result.Mismatches = append(result.Mismatches, Mismatch{Key: key, Message: "values do not match"})
		}
	}

	return result
}

func isGRPCHeaderKey(key string) bool {
	return strings.HasPrefix(strings.ToLower(key), "grpc-") || key == "content-type"
}

func resolveActual(key string, actual Actual, status *Status) (string, bool) {
	switch strings.ToLower(key) {
	case "grpc-status":
		if status == nil {
			return "", false
		}
		return status.Code.String(), true
	case "grpc-message":
		if status == nil {
			return "", false
		}
		return status.Message, true
	default:
		return actual.Get(key)
	}
}

func applyRules(pr *rules.PathRules, expectedVal, actualVal string) bool {
	passCount := 0
	for _, r := range pr.Rules {
		if evalRule(r, expectedVal, actualVal) {
			passCount++
		}
	}
	if pr.Logic == rules.Or {
		return passCount > 0
	}
	return passCount == len(pr.Rules)
}

func evalRule(r rules.Rule, expectedVal, actualVal string) bool {
	switch rule := r.(type) {
	case rules.Regex:
		re, err := regexp2.Compile(rule.Pattern, regexp2.None)
		if err != nil {
			return false
		}
		ok, err := re.MatchString(actualVal)
		return err == nil && ok
	case rules.Equality:
		return strings.EqualFold(expectedVal, actualVal)
	case rules.NotEmpty:
		return actualVal != ""
	case rules.Include:
		return strings.Contains(actualVal, rule.Value)
	case rules.GrpcStatus:
		return strings.EqualFold(actualVal, rule.Status)
	case rules.GrpcMessage:
		if rule.Inner == nil {
			return true
		}
		return evalRule(rule.Inner, expectedVal, actualVal)
	default:
		return true
	}
}
