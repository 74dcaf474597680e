// Package pluginapi models the host-plugin RPC surface this repository does
// not itself transport: InitPlugin, ConfigureInteraction,
// CompareContents, GenerateContent, StartMockServer, ShutdownMockServer, and
// VerifyInteraction. The actual transport (the pact-plugin gRPC service
// definitions) is a black box we do not fabricate; this package captures only
// the request/response contract each handler honors, as a plain Go interface
// that internal/plugin.Plugin implements and cmd/pact-protobuf-plugin can
// call directly.
package pluginapi

import (
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/bodymatch"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/pact"
)

// CatalogueEntry is one capability this plugin registers with the host at
// startup.
type CatalogueEntry struct {
	Type        string // "content-matcher", "content-generator", "mock-server"
	Key         string // "protobuf" or "grpc"
	ContentType []string
}

// InitPluginRequest carries the host's self-identification, mirroring the
// pact-plugin InitPluginRequest shape.
type InitPluginRequest struct {
	Implementation string
	Version        string
}

// InitPluginResponse is the catalogue this plugin advertises: one content
// matcher for protobuf/grpc bodies, one content generator, one mock server
// transport.
type InitPluginResponse struct {
	Catalogue []CatalogueEntry
}

// ConfigureInteractionRequest is one interaction's raw expectation as
// authored in a consumer test, keyed by content type.
type ConfigureInteractionRequest struct {
	ContentType  string
	Expectations map[string]any
}

// ConfigureInteractionResponse carries the encoded interaction(s) — one
// response Part for a unary message interaction, two-plus for a service
// interaction with error alternatives — plus any newly-registered descriptor
// entries the pact document's plugin-level config must persist.
type ConfigureInteractionResponse struct {
	Interaction []pact.Interaction
	// Descriptors is merged into the pact document's
	// plugin_data.protobuf.configuration map, keyed by descriptor
	// fingerprint.
	Descriptors map[string]pact.DescriptorEntry
}

// CompareContentsRequest is one body comparison call: the expected body (with
// its matching rules) against an actual body, scoped to a single message by
// descriptorKey+message, or a single method by descriptorKey+service.
type CompareContentsRequest struct {
	Expected      pact.Part
	Actual        []byte
	DescriptorKey string
	Message       string // set for a plain message comparison
	Service       string // set for a service-method comparison ("Service/Method")
}

// CompareContentsResponse carries the structural diff, or a top-level error
// when the bodies could not even be decoded against the given descriptor.
type CompareContentsResponse struct {
	Result bodymatch.Result
	Error  string
}

// GenerateContentRequest asks for generator substitution to be applied to an
// already-encoded body.
type GenerateContentRequest struct {
	Part          pact.Part
	DescriptorKey string
	Message       string
	ProviderState map[string]any
}

// GenerateContentResponse is the regenerated body; identical to the input
// when the part carries no generators.
type GenerateContentResponse struct {
	Contents []byte
}

// StartMockServerRequest carries the fully-resolved pact document (already
// parsed from the on-disk JSON by the host) plus the bind address the mock
// server should listen on.
type StartMockServerRequest struct {
	Document *pact.Document
	Host     string
	Port     int
	TLS      bool
}

// StartMockServerResponse is the `{key, address, port}` contract to be
// re-emitted by the host as the stdout startup line.
type StartMockServerResponse struct {
	Key     string
	Address string
	Port    int
}

// ShutdownMockServerRequest names the server to stop, by the key
// StartMockServer returned.
type ShutdownMockServerRequest struct {
	Key string
}

// RouteResult is one route's outcome as reported back to the host: whether
// the route received at least one call, plus the body mismatches recorded
// against it.
type RouteResult struct {
	Route      string
	CallCount  int
	Matched    bool
	Mismatches []bodymatch.Mismatch
}

// ShutdownMockServerResponse reports per-route results and whether every
// route saw at least one request.
type ShutdownMockServerResponse struct {
	Results    []RouteResult
	AllMatched bool
}

// VerifyInteractionRequest identifies one interaction within a pact document
// to verify against a live provider.
type VerifyInteractionRequest struct {
	InteractionID string
	Document      *pact.Document
	Host          string
	Port          int
	ProviderState map[string]any
}

// VerificationMismatch is one human-readable line describing a verification
// failure, with the structural path it applies to when known.
type VerificationMismatch struct {
	Path    string
	Message string
}

// VerifyInteractionResponse carries the verification outcome.
type VerifyInteractionResponse struct {
	Mismatches []VerificationMismatch
}

// Handler is the request/response contract for every operation a
// contract-testing host invokes on this plugin. The transport that
// serializes these over the wire to a real host is out of scope; Handler is
// what a transport adapter would call into.
type Handler interface {
	InitPlugin(req InitPluginRequest) (InitPluginResponse, error)
	ConfigureInteraction(req ConfigureInteractionRequest) (ConfigureInteractionResponse, error)
	CompareContents(req CompareContentsRequest) (CompareContentsResponse, error)
	GenerateContent(req GenerateContentRequest) (GenerateContentResponse, error)
	StartMockServer(req StartMockServerRequest) (StartMockServerResponse, error)
	ShutdownMockServer(req ShutdownMockServerRequest) (ShutdownMockServerResponse, error)
	VerifyInteraction(req VerifyInteractionRequest) (VerifyInteractionResponse, error)
}
