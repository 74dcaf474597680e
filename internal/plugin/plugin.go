// Package plugin wires the descriptor cache, message builder, body/metadata
// matchers, mock server, and verifier into the pluginapi.Handler contract.
// It is the concrete implementation cmd/pact-protobuf-plugin hands to a real
// host transport.
package plugin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/bodymatch"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/builder"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/descriptor"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/docpath"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/generator"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/matcherdef"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/mockserver"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/pact"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/pluginapi"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/rules"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/verifier"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/wire"
)

// ConfigError reports a configuration-time rejection, e.g. a streaming
// method, so the host can surface a clear diagnostic rather than a generic
// failure.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "plugin: " + e.Reason }

// Plugin implements pluginapi.Handler. Descriptor caches are kept per
// fingerprint so repeated ConfigureInteraction calls against the same .proto
// reuse the same registry rather than rebuilding it.
type Plugin struct {
	log *zerolog.Logger

	mu     sync.Mutex
	caches map[string]*descriptor.Cache
}

// New returns a Plugin that logs through log (nil is permitted; callers that
// care about structured output should pass internal/logging's logger).
func New(log *zerolog.Logger) *Plugin {
	return &Plugin{log: log, caches: make(map[string]*descriptor.Cache)}
}

func (p *Plugin) logEvent() *zerolog.Event {
	if p.log == nil {
		return zerolog.Nop().Info()
	}
	return p.log.Info()
}

func (p *Plugin) InitPlugin(req pluginapi.InitPluginRequest) (pluginapi.InitPluginResponse, error) {
	p.logEvent().Str("implementation", req.Implementation).Str("version", req.Version).Msg("plugin initialised")
	return pluginapi.InitPluginResponse{
		Catalogue: []pluginapi.CatalogueEntry{
			{Type: "content-matcher", Key: "protobuf", ContentType: []string{"application/protobuf", "application/grpc"}},
			{Type: "content-generator", Key: "protobuf", ContentType: []string{"application/protobuf", "application/grpc"}},
			{Type: "mock-server", Key: "grpc"},
		},
	}, nil
}

// cacheFor returns the cache for fds, building and registering it under its
// fingerprint on first use.
func (p *Plugin) cacheFor(fds *descriptorpb.FileDescriptorSet) (*descriptor.Cache, string, error) {
	fingerprint, err := descriptor.Fingerprint(fds)
	if err != nil {
		return nil, "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.caches[fingerprint]; ok {
		return c, fingerprint, nil
	}
	c, err := descriptor.New(fds)
	if err != nil {
		return nil, "", err
	}
	p.caches[fingerprint] = c
	return c, fingerprint, nil
}

func (p *Plugin) cacheByKey(key string) (*descriptor.Cache, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.caches[key]
	return c, ok
}

// registerFromEntry rebuilds and registers a Cache from a pact document's
// already-stored descriptor entry, used by StartMockServer/VerifyInteraction
// which receive a full Document rather than a fresh FileDescriptorSet.
func (p *Plugin) registerFromEntry(entry pact.DescriptorEntry, key string) (*descriptor.Cache, error) {
	if c, ok := p.cacheByKey(key); ok {
		return c, nil
	}
	fds := &descriptorpb.FileDescriptorSet{}
	if err := proto.Unmarshal(entry.ProtoDescriptors, fds); err != nil {
		return nil, fmt.Errorf("plugin: decoding descriptor set for %s: %w", key, err)
	}
	c, fingerprint, err := p.cacheFor(fds)
	if err != nil {
		return nil, err
	}
	if fingerprint != key {
		return nil, fmt.Errorf("plugin: descriptor fingerprint mismatch: stored key %s recomputed as %s", key, fingerprint)
	}
	return c, nil
}

// buildMetadata turns a raw decoded-JSON metadata object into the plain
// example-value map stored on the wire plus the metadata rule set collected
// from any matcher-definition strings among its values (e.g.
// "matching(grpc-status, 'NotFound')" on the synthetic grpc-status key).
func buildMetadata(v any) (map[string]string, *rules.Set) {
	obj, _ := v.(map[string]any)
	out := make(map[string]string, len(obj))
	rs := rules.NewSet(rules.CategoryMetadata)

	for k, val := range obj {
		s, isString := val.(string)
		if !isString {
			out[k] = fmt.Sprintf("%v", val)
			continue
		}
		if def, err := matcherdef.Parse(s); err == nil && looksLikeMatcherCall(s) {
			out[k] = def.Example.Str
			path := docpath.RootPath().Field(k)
			rs.Add(path.String(), def.Rules...)
			continue
		}
		out[k] = s
	}
	return out, rs
}

func looksLikeMatcherCall(s string) bool {
	for _, prefix := range []string{"matching(", "notEmpty(", "regex(", "equalTo(", "include(", "semver(", "type("} {
		if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// ConfigureInteraction turns one raw consumer expectation into one or more
// encoded interaction parts, by walking the expected message fields
// (delegated to internal/builder).
func (p *Plugin) ConfigureInteraction(req pluginapi.ConfigureInteractionRequest) (pluginapi.ConfigureInteractionResponse, error) {
	fdsRaw, _ := req.Expectations["pact:file-descriptor-set"].(*descriptorpb.FileDescriptorSet)
	if fdsRaw == nil {
		return pluginapi.ConfigureInteractionResponse{}, fmt.Errorf("plugin: expectations missing pact:file-descriptor-set")
	}
	protoFile, _ := req.Expectations["pact:proto-file"].(string)

	cache, fingerprint, err := p.cacheFor(fdsRaw)
	if err != nil {
		return pluginapi.ConfigureInteractionResponse{}, err
	}

	b := builder.New(cache)

	messageFQN, isMessage := req.Expectations["pact:message-type"].(string)
	serviceSpec, isService := req.Expectations["pact:proto-service"].(string)

	var interaction pact.Interaction
	switch {
	case isMessage:
		md, err := cache.FindMessage(messageFQN)
		if err != nil {
			return pluginapi.ConfigureInteractionResponse{}, err
		}
		reqObj, _ := req.Expectations["request"].(map[string]any)
		built, err := b.Build(md, reqObj)
		if err != nil {
			return pluginapi.ConfigureInteractionResponse{}, err
		}
		contents, err := protoEncode(built.Message)
		if err != nil {
			return pluginapi.ConfigureInteractionResponse{}, err
		}
		interaction = pact.Interaction{
			Config: pact.InteractionConfig{Message: messageFQN, DescriptorKey: fingerprint, Expectations: withoutPactKeys(req.Expectations)},
			Request: pact.Part{
				Contents:    contents,
				ContentType: fmt.Sprintf("application/protobuf;message=%s", md.FullName()),
				Rules:       built.Rules,
				Generators:  built.Generators,
			},
		}

	case isService:
		parts := strings.SplitN(serviceSpec, "/", 2)
		if len(parts) != 2 {
			return pluginapi.ConfigureInteractionResponse{}, fmt.Errorf("plugin: pact:proto-service must be \"Service/Method\", got %q", serviceSpec)
		}
		_, sd, err := cache.FindService(parts[0])
		if err != nil {
			return pluginapi.ConfigureInteractionResponse{}, err
		}
		md := sd.Methods().ByName(protoreflect.Name(parts[1]))
		if md == nil {
			return pluginapi.ConfigureInteractionResponse{}, fmt.Errorf("plugin: service %s has no method %q", parts[0], parts[1])
		}
		if md.IsStreamingClient() || md.IsStreamingServer() {
			return pluginapi.ConfigureInteractionResponse{}, &ConfigError{Reason: fmt.Sprintf("streaming method %s/%s is not supported", parts[0], parts[1])}
		}

		reqObj, _ := req.Expectations["request"].(map[string]any)
		reqBuilt, err := b.Build(md.Input(), reqObj)
		if err != nil {
			return pluginapi.ConfigureInteractionResponse{}, err
		}
		reqContents, err := protoEncode(reqBuilt.Message)
		if err != nil {
			return pluginapi.ConfigureInteractionResponse{}, err
		}

		responseMetadata, responseMetadataRules := buildMetadata(req.Expectations["responseMetadata"])
		responses, err := buildResponses(b, md.Output(), req.Expectations["response"], responseMetadata, responseMetadataRules)
		if err != nil {
			return pluginapi.ConfigureInteractionResponse{}, err
		}

		requestMetadata, requestMetadataRules := buildMetadata(req.Expectations["requestMetadata"])
		interaction = pact.Interaction{
			Config: pact.InteractionConfig{Service: serviceSpec, DescriptorKey: fingerprint, Expectations: withoutPactKeys(req.Expectations)},
			Request: pact.Part{
				Contents:      reqContents,
				ContentType:   fmt.Sprintf("application/protobuf;message=%s", md.Input().FullName()),
				Rules:         reqBuilt.Rules,
				Generators:    reqBuilt.Generators,
				Metadata:      requestMetadata,
				MetadataRules: requestMetadataRules,
			},
			Responses: responses,
		}

	default:
		return pluginapi.ConfigureInteractionResponse{}, fmt.Errorf("plugin: expectations must set pact:message-type or pact:proto-service")
	}

	rawFDS, err := proto.Marshal(fdsRaw)
	if err != nil {
		return pluginapi.ConfigureInteractionResponse{}, fmt.Errorf("plugin: marshaling descriptor set: %w", err)
	}

	return pluginapi.ConfigureInteractionResponse{
		Interaction: []pact.Interaction{interaction},
		Descriptors: map[string]pact.DescriptorEntry{
			fingerprint: {ProtoFile: protoFile, ProtoDescriptors: rawFDS},
		},
	}, nil
}

func buildResponses(b *builder.Builder, md protoreflect.MessageDescriptor, raw any, metadata map[string]string, metadataRules *rules.Set) ([]pact.Part, error) {
	var objs []map[string]any
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				objs = append(objs, obj)
			}
		}
	case map[string]any:
		objs = append(objs, v)
	}
	if len(objs) == 0 {
		objs = append(objs, map[string]any{})
	}

	parts := make([]pact.Part, 0, len(objs))
	for _, obj := range objs {
		built, err := b.Build(md, obj)
		if err != nil {
			return nil, err
		}
		contents, err := protoEncode(built.Message)
		if err != nil {
			return nil, err
		}
		parts = append(parts, pact.Part{
			Contents:      contents,
			ContentType:   fmt.Sprintf("application/protobuf;message=%s", md.FullName()),
			Rules:         built.Rules,
			Generators:    built.Generators,
			Metadata:      metadata,
			MetadataRules: metadataRules,
		})
	}
	return parts, nil
}

func withoutPactKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if strings.HasPrefix(k, "pact:") {
			continue
		}
		out[k] = v
	}
	return out
}

func protoEncode(msg protoreflect.ProtoMessage) ([]byte, error) {
	return proto.Marshal(msg)
}

// CompareContents runs the structural body matcher between an expected part
// and an actual body, scoped to either a bare message or a service method.
func (p *Plugin) CompareContents(req pluginapi.CompareContentsRequest) (pluginapi.CompareContentsResponse, error) {
	cache, ok := p.cacheByKey(req.DescriptorKey)
	if !ok {
		return pluginapi.CompareContentsResponse{}, fmt.Errorf("plugin: no descriptor registered for key %s", req.DescriptorKey)
	}

	md, err := resolveMessage(cache, req.Message, req.Service)
	if err != nil {
		return pluginapi.CompareContentsResponse{}, err
	}

	expectedMsg, err := decode(md, req.Expected.Contents)
	if err != nil {
		return pluginapi.CompareContentsResponse{Error: err.Error()}, nil
	}
	actualMsg, err := decode(md, req.Actual)
	if err != nil {
		return pluginapi.CompareContentsResponse{Error: err.Error()}, nil
	}

	result := bodymatch.CompareMessage(
		&bodymatch.Context{Rules: req.Expected.Rules, Diff: bodymatch.AllowUnexpectedKeys},
		docpath.RootPath(),
		expectedMsg,
		actualMsg,
	)
	return pluginapi.CompareContentsResponse{Result: result}, nil
}

func resolveMessage(cache *descriptor.Cache, message, service string) (protoreflect.MessageDescriptor, error) {
	if message != "" {
		return cache.FindMessage(message)
	}
	parts := strings.SplitN(service, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("plugin: service must be \"Service/Method\", got %q", service)
	}
	_, sd, err := cache.FindService(parts[0])
	if err != nil {
		return nil, err
	}
	md := sd.Methods().ByName(protoreflect.Name(parts[1]))
	if md == nil {
		return nil, fmt.Errorf("plugin: service %s has no method %q", parts[0], parts[1])
	}
	return md.Input(), nil
}

func decode(md protoreflect.MessageDescriptor, data []byte) (protoreflect.Message, error) {
	dm, err := wire.Decode(md, data)
	if err != nil {
		return nil, err
	}
	return dm.ProtoReflect(), nil
}

// GenerateContent re-encodes part.Contents with its registered generators
// substituted against providerState.
func (p *Plugin) GenerateContent(req pluginapi.GenerateContentRequest) (pluginapi.GenerateContentResponse, error) {
	cache, ok := p.cacheByKey(req.DescriptorKey)
	if !ok {
		return pluginapi.GenerateContentResponse{}, fmt.Errorf("plugin: no descriptor registered for key %s", req.DescriptorKey)
	}
	md, err := cache.FindMessage(req.Message)
	if err != nil {
		return pluginapi.GenerateContentResponse{}, err
	}
	out, err := generator.Substitute(md, req.Part.Contents, req.Part.Generators, generator.Context{State: req.ProviderState})
	if err != nil {
		return pluginapi.GenerateContentResponse{}, err
	}
	return pluginapi.GenerateContentResponse{Contents: out}, nil
}

// StartMockServer builds the route table from every service interaction in
// the document and starts a real listener.
func (p *Plugin) StartMockServer(req pluginapi.StartMockServerRequest) (pluginapi.StartMockServerResponse, error) {
	routes := make(map[string]*mockserver.Route)
	var cache *descriptor.Cache

	for _, interaction := range req.Document.Interactions {
		if interaction.Config.Service == "" {
			continue // message interactions do not register a mock-server route
		}
		entry, err := req.Document.FindDescriptor(interaction.Config.DescriptorKey)
		if err != nil {
			return pluginapi.StartMockServerResponse{}, err
		}
		c, err := p.registerFromEntry(entry, interaction.Config.DescriptorKey)
		if err != nil {
			return pluginapi.StartMockServerResponse{}, err
		}
		cache = c

		parts := strings.SplitN(interaction.Config.Service, "/", 2)
		if len(parts) != 2 {
			return pluginapi.StartMockServerResponse{}, fmt.Errorf("plugin: malformed service spec %q", interaction.Config.Service)
		}
		_, sd, err := c.FindService(parts[0])
		if err != nil {
			return pluginapi.StartMockServerResponse{}, err
		}
		md := sd.Methods().ByName(protoreflect.Name(parts[1]))
		if md == nil {
			return pluginapi.StartMockServerResponse{}, fmt.Errorf("plugin: service %s has no method %q", parts[0], parts[1])
		}

		routeKey := fmt.Sprintf("/%s/%s", sd.FullName(), md.Name())
		route, ok := routes[routeKey]
		if !ok {
			route = &mockserver.Route{Key: routeKey, Method: md}
			routes[routeKey] = route
		}
		route.Interactions = append(route.Interactions, interaction)
	}

	srv, err := mockserver.Start(req.Host, req.Port, cache, routes, p.log)
	if err != nil {
		return pluginapi.StartMockServerResponse{}, err
	}

	return pluginapi.StartMockServerResponse{Key: srv.Key, Address: srv.Address, Port: srv.Port}, nil
}

// ShutdownMockServer stops the server registered under req.Key and reports
// per-route results.
func (p *Plugin) ShutdownMockServer(req pluginapi.ShutdownMockServerRequest) (pluginapi.ShutdownMockServerResponse, error) {
	srv, ok := mockserver.Registry.Get(req.Key)
	if !ok {
		return pluginapi.ShutdownMockServerResponse{}, fmt.Errorf("plugin: no running mock server for key %s", req.Key)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logs, allMatched, err := srv.Shutdown(ctx)
	if err != nil {
		return pluginapi.ShutdownMockServerResponse{}, err
	}

	results := make([]pluginapi.RouteResult, 0, len(logs))
	for route, rl := range logs {
		var mismatches []bodymatch.Mismatch
		for _, outcome := range rl.Outcomes {
			for _, ms := range outcome.Body.Mismatches {
				mismatches = append(mismatches, ms...)
			}
		}
		results = append(results, pluginapi.RouteResult{
			Route:      route,
			CallCount:  rl.CallCount,
			Matched:    rl.CallCount > 0,
			Mismatches: mismatches,
		})
	}

	return pluginapi.ShutdownMockServerResponse{Results: results, AllMatched: allMatched}, nil
}

// VerifyInteraction dials the provider and replays a single interaction by
// matching its description against req.InteractionID.
func (p *Plugin) VerifyInteraction(req pluginapi.VerifyInteractionRequest) (pluginapi.VerifyInteractionResponse, error) {
	var target *pact.Interaction
	for i := range req.Document.Interactions {
		if req.Document.Interactions[i].Description == req.InteractionID {
			target = &req.Document.Interactions[i]
			break
		}
	}
	if target == nil {
		return pluginapi.VerifyInteractionResponse{}, fmt.Errorf("plugin: no interaction named %q", req.InteractionID)
	}
	if target.Config.Service == "" {
		return pluginapi.VerifyInteractionResponse{}, fmt.Errorf("plugin: interaction %q is not a service interaction", req.InteractionID)
	}

	entry, err := req.Document.FindDescriptor(target.Config.DescriptorKey)
	if err != nil {
		return pluginapi.VerifyInteractionResponse{}, err
	}
	cache, err := p.registerFromEntry(entry, target.Config.DescriptorKey)
	if err != nil {
		return pluginapi.VerifyInteractionResponse{}, err
	}

	parts := strings.SplitN(target.Config.Service, "/", 2)
	if len(parts) != 2 {
		return pluginapi.VerifyInteractionResponse{}, fmt.Errorf("plugin: malformed service spec %q", target.Config.Service)
	}
	_, sd, err := cache.FindService(parts[0])
	if err != nil {
		return pluginapi.VerifyInteractionResponse{}, err
	}
	md := sd.Methods().ByName(protoreflect.Name(parts[1]))
	if md == nil {
		return pluginapi.VerifyInteractionResponse{}, fmt.Errorf("plugin: service %s has no method %q", parts[0], parts[1])
	}

	client, err := verifier.Dial(context.Background(), req.Host, req.Port)
	if err != nil {
		return pluginapi.VerifyInteractionResponse{}, err
	}
	defer client.Close()

	result := client.Verify(context.Background(), md, *target, req.ProviderState, 10*time.Second)

	out := make([]pluginapi.VerificationMismatch, 0, len(result.Mismatches))
	for _, m := range result.Mismatches {
		out = append(out, pluginapi.VerificationMismatch{Path: m.Path, Message: m.Message})
	}
	return pluginapi.VerifyInteractionResponse{Mismatches: out}, nil
}
