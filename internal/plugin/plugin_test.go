package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/pact"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/plugin"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/pluginapi"
)

func strp(s string) *string { return &s }
func i32p(i int32) *int32   { return &i }
func ft(t descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto_Type {
	return &t
}

func testFDS() *descriptorpb.FileDescriptorSet {
	fdp := &descriptorpb.FileDescriptorProto{
		Name:    strp("svc.proto"),
		Package: strp("svc"),
		Syntax:  strp("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: strp("In"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: strp("in"), Number: i32p(1), Type: ft(descriptorpb.FieldDescriptorProto_TYPE_BOOL)},
				},
			},
			{
				Name: strp("Out"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: strp("out"), Number: i32p(1), Type: ft(descriptorpb.FieldDescriptorProto_TYPE_BOOL)},
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{
			{
				Name: strp("Test"),
				Method: []*descriptorpb.MethodDescriptorProto{
					{Name: strp("GetTest"), InputType: strp(".svc.In"), OutputType: strp(".svc.Out")},
				},
			},
		},
	}
	return &descriptorpb.FileDescriptorSet{File: []*descriptorpb.FileDescriptorProto{fdp}}
}

func TestConfigureInteraction_ServiceInteraction(t *testing.T) {
	p := plugin.New(nil)

	resp, err := p.ConfigureInteraction(pluginapi.ConfigureInteractionRequest{
		ContentType: "application/grpc",
		Expectations: map[string]any{
			"pact:file-descriptor-set": testFDS(),
			"pact:proto-file":          "svc.proto",
			"pact:proto-service":       "Test/GetTest",
			"request":                  map[string]any{"in": true},
			"response":                 map[string]any{"out": true},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Interaction, 1)
	assert.Equal(t, "Test/GetTest", resp.Interaction[0].Config.Service)
	assert.NotEmpty(t, resp.Interaction[0].Request.Contents)
	assert.Len(t, resp.Interaction[0].Responses, 1)
	assert.Len(t, resp.Descriptors, 1)
}

func TestConfigureInteraction_RejectsStreamingMethod(t *testing.T) {
	fds := testFDS()
	fds.File[0].Service[0].Method[0].ClientStreaming = boolp(true)

	p := plugin.New(nil)
	_, err := p.ConfigureInteraction(pluginapi.ConfigureInteractionRequest{
		Expectations: map[string]any{
			"pact:file-descriptor-set": fds,
			"pact:proto-service":       "Test/GetTest",
			"request":                  map[string]any{"in": true},
		},
	})
	require.Error(t, err)
	var cfgErr *plugin.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func boolp(b bool) *bool { return &b }

func TestCompareContents_MatchingBodyIsOk(t *testing.T) {
	p := plugin.New(nil)

	configured, err := p.ConfigureInteraction(pluginapi.ConfigureInteractionRequest{
		Expectations: map[string]any{
			"pact:file-descriptor-set": testFDS(),
			"pact:proto-service":       "Test/GetTest",
			"request":                  map[string]any{"in": true},
			"response":                 map[string]any{"out": true},
		},
	})
	require.NoError(t, err)
	interaction := configured.Interaction[0]

	result, err := p.CompareContents(pluginapi.CompareContentsRequest{
		Expected:      interaction.Request,
		Actual:        interaction.Request.Contents,
		DescriptorKey: interaction.Config.DescriptorKey,
		Service:       interaction.Config.Service,
	})
	require.NoError(t, err)
	assert.True(t, result.Result.Ok())
}

func TestConfigureInteraction_ParsesGrpcStatusMetadataMatcher(t *testing.T) {
	p := plugin.New(nil)

	resp, err := p.ConfigureInteraction(pluginapi.ConfigureInteractionRequest{
		Expectations: map[string]any{
			"pact:file-descriptor-set": testFDS(),
			"pact:proto-service":       "Test/GetTest",
			"request":                  map[string]any{"in": true},
			"response":                 map[string]any{"out": true},
			"responseMetadata":         map[string]any{"grpc-status": "matching(grpc-status, 'NotFound')"},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Interaction, 1)
	require.Len(t, resp.Interaction[0].Responses, 1)

	response := resp.Interaction[0].Responses[0]
	assert.Equal(t, "NotFound", response.Metadata["grpc-status"])
	require.NotNil(t, response.MetadataRules)
	pr, ok := response.MetadataRules.Get("$.grpc-status")
	require.True(t, ok)
	require.Len(t, pr.Rules, 1)
	assert.Equal(t, "grpc-status", pr.Rules[0].RuleName())
}

func TestStartAndShutdownMockServer(t *testing.T) {
	p := plugin.New(nil)

	configured, err := p.ConfigureInteraction(pluginapi.ConfigureInteractionRequest{
		Expectations: map[string]any{
			"pact:file-descriptor-set": testFDS(),
			"pact:proto-file":          "svc.proto",
			"pact:proto-service":       "Test/GetTest",
			"request":                  map[string]any{"in": true},
			"response":                 map[string]any{"out": true},
		},
	})
	require.NoError(t, err)

	doc := &pact.Document{
		Interactions: configured.Interaction,
		Descriptors:  configured.Descriptors,
	}

	started, err := p.StartMockServer(pluginapi.StartMockServerRequest{Document: doc, Host: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	assert.NotEmpty(t, started.Key)
	assert.NotZero(t, started.Port)

	shutdown, err := p.ShutdownMockServer(pluginapi.ShutdownMockServerRequest{Key: started.Key})
	require.NoError(t, err)
	assert.False(t, shutdown.AllMatched) // no client called the mock in this test
	assert.Len(t, shutdown.Results, 1)
}
