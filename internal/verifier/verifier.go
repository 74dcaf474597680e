// Package verifier implements the VerifyInteraction RPC: dialing the real
// provider over gRPC, invoking a single unary method with the interaction's
// configured request (after generator substitution), and running the body
// and metadata matchers against what comes back. It uses the same raw-bytes
// codec approach as internal/mockserver so it can invoke arbitrary methods
// without generated stubs.
package verifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/bodymatch"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/docpath"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/generator"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/metadatamatch"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/pact"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/rules"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/wire"
)

// rawCodec mirrors internal/mockserver's codec: a unary call's request and
// response are carried as opaque byte slices, dispatched purely by method
// name.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("verifier: codec cannot marshal %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("verifier: codec cannot unmarshal into %T", v)
	}
	*b = data
	return nil
}

func (rawCodec) Name() string { return "proto" }

// Mismatch is one human-readable verification finding, carrying enough
// structure for the host to render a useful diagnostic line.
type Mismatch struct {
	Path    string
	Message string
}

// Result is the outcome of verifying a single interaction.
type Result struct {
	Interaction string
	Mismatches  []Mismatch
}

func (r Result) Ok() bool { return len(r.Mismatches) == 0 }

// Client dials a provider once and verifies interactions against it.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to host:port using insecure transport credentials (TLS
// verification against a live provider is out of scope; see DESIGN.md).
// The method descriptor needed to invoke and decode a call is supplied
// per-call to Verify, resolved by the caller against its own descriptor
// cache, so Dial itself does not need one.
func Dial(ctx context.Context, host string, port int) (*Client, error) {
	conn, err := grpc.NewClient(
		fmt.Sprintf("%s:%d", host, port),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("proto"), grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("verifier: dial %s:%d: %w", host, port, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Verify invokes method (called at its full gRPC path, "/<service>/<method>")
// with interaction's request, applying any generators against providerState
// first, and compares the response against the interaction's expectations.
func (c *Client) Verify(ctx context.Context, method protoreflect.MethodDescriptor, interaction pact.Interaction, providerState map[string]any, deadline time.Duration) Result {
	result := Result{Interaction: interaction.Description}

	reqBytes, err := generator.Substitute(method.Input(), interaction.Request.Contents, interaction.Request.Generators, generator.Context{State: providerState})
	if err != nil {
		result.Mismatches = append(result.Mismatches, Mismatch{Path: "$", Message: fmt.Sprintf("generator failure (ignored, using baseline value): %v", err)})
		reqBytes = interaction.Request.Contents
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		callCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	fullMethod := fmt.Sprintf("/%s/%s", method.Parent().(protoreflect.ServiceDescriptor).FullName(), method.Name())
	var trailer metadata.MD
	var respBytes []byte
	invokeErr := c.conn.Invoke(callCtx, fullMethod, &reqBytes, &respBytes, grpc.Trailer(&trailer))

	if len(interaction.Responses) == 0 {
		return result
	}
	expected := interaction.Responses[0]

	st := grpcstatus.Convert(invokeErr)
	actualMeta := metadatamatch.Actual{}
	for k, vs := range trailer {
		actualMeta[k] = vs
	}

	metadataRules := expected.MetadataRules
	if metadataRules == nil {
		metadataRules = rules.NewSet(rules.CategoryMetadata)
	}
	metaResult := metadatamatch.Compare(metadataRules, expected.Metadata, actualMeta, &metadatamatch.Status{Code: st.Code(), Message: st.Message()})
	for _, m := range metaResult.Mismatches {
		result.Mismatches = append(result.Mismatches, Mismatch{Path: "$." + m.Key, Message: m.Message})
	}

	if invokeErr != nil {
		// A non-OK status is only a failure if the interaction didn't
		// expect one via grpc-status metadata rules (handled above).
		expectsStatus := false
		for k := range expected.Metadata {
			if strings.EqualFold(k, "grpc-status") {
				expectsStatus = true
			}
		}
		if !expectsStatus {
			result.Mismatches = append(result.Mismatches, Mismatch{Path: "$", Message: fmt.Sprintf("gRPC call failed: %v", invokeErr)})
		}
		return result
	}

	expectedMsg, err := wire.Decode(method.Output(), expected.Contents)
	if err != nil {
		result.Mismatches = append(result.Mismatches, Mismatch{Path: "$", Message: fmt.Sprintf("could not decode expected response: %v", err)})
		return result
	}
	actualMsg, err := wire.Decode(method.Output(), respBytes)
	if err != nil {
		result.Mismatches = append(result.Mismatches, Mismatch{Path: "$", Message: fmt.Sprintf("could not decode actual response: %v", err)})
		return result
	}

	bodyResult := bodymatch.CompareMessage(
		&bodymatch.Context{Rules: expected.Rules, Diff: bodymatch.AllowUnexpectedKeys},
		docpath.RootPath(),
		expectedMsg.ProtoReflect(),
		actualMsg.ProtoReflect(),
	)
	for path, ms := range bodyResult.Mismatches {
		for _, m := range ms {
			result.Mismatches = append(result.Mismatches, Mismatch{Path: path, Message: m.Message})
		}
	}

	return result
}
