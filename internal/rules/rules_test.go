package rules_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/rules"
)

func TestSet_AddAccumulatesUnderSamePath(t *testing.T) {
	s := rules.NewSet(rules.CategoryBody)
	s.Add("$.name", rules.Type{})
	s.Add("$.name", rules.NotEmpty{})

	pr, ok := s.Get("$.name")
	require.True(t, ok)
	assert.Equal(t, rules.And, pr.Logic)
	require.Len(t, pr.Rules, 2)
	assert.Equal(t, "type", pr.Rules[0].RuleName())
	assert.Equal(t, "not-empty", pr.Rules[1].RuleName())
}

func TestSet_GetMissingPath(t *testing.T) {
	s := rules.NewSet(rules.CategoryMetadata)
	_, ok := s.Get("$.missing")
	assert.False(t, ok)
}

func TestRuleNames(t *testing.T) {
	cases := []struct {
		rule rules.Rule
		name string
	}{
		{rules.Type{}, "type"},
		{rules.Regex{Pattern: `\d+`}, "regex"},
		{rules.Number{}, "number"},
		{rules.Integer{}, "integer"},
		{rules.Decimal{}, "decimal"},
		{rules.Boolean{}, "boolean"},
		{rules.Equality{}, "equality"},
		{rules.NotEmpty{}, "not-empty"},
		{rules.Values{}, "values"},
		{rules.EachValue{}, "each-value"},
		{rules.EachKey{}, "each-key"},
		{rules.Semver{}, "semver"},
		{rules.Include{Value: "x"}, "include"},
		{rules.GrpcStatus{Status: "OK"}, "grpc-status"},
		{rules.GrpcMessage{Inner: rules.Equality{}}, "grpc-message"},
	}
	for _, c := range cases {
		assert.Equal(t, c.name, c.rule.RuleName())
	}
}
