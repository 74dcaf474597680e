// Package pact models the on-disk contract-testing document shapes this
// plugin reads and writes: the per-interaction plugin configuration carried
// under plugin_config.protobuf, the pact-level descriptor registry carried
// under plugin_data.protobuf.configuration, and the synchronous-message
// interaction body the Configurator/body matcher operate on.
package pact

import (
	"encoding/base64"
	"fmt"

	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/rules"
)

// Part is one side of a synchronous-message interaction (request or one of
// possibly several response alternatives).
type Part struct {
	Contents      []byte
	ContentType   string
	Rules         *rules.Set
	Generators    map[string]rules.Generator
	Metadata      map[string]string
	MetadataRules *rules.Set
}

// InteractionConfig is the per-interaction carrier stored under
// plugin_config.protobuf in the pact document.
type InteractionConfig struct {
	Service       string // set for service interactions
	Message       string // set for message interactions
	DescriptorKey string
	Expectations  map[string]any
}

// DescriptorEntry is one entry of the pact-level
// plugin_data.protobuf.configuration.<fingerprint> map.
type DescriptorEntry struct {
	ProtoFile        string
	ProtoDescriptors []byte
}

// EncodeDescriptors base64-encodes the raw descriptor bytes for the
// protoDescriptors field, matching the on-disk pact JSON representation.
func (d DescriptorEntry) EncodeDescriptors() string {
	return base64.StdEncoding.EncodeToString(d.ProtoDescriptors)
}

// DecodeDescriptorEntry reverses EncodeDescriptors.
func DecodeDescriptorEntry(protoFile, encoded string) (DescriptorEntry, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return DescriptorEntry{}, fmt.Errorf("pact: decoding protoDescriptors: %w", err)
	}
	return DescriptorEntry{ProtoFile: protoFile, ProtoDescriptors: raw}, nil
}

// Interaction is a synchronous-message interaction: one request plus one or
// more response alternatives (more than one response encodes a one-of,
// e.g. a gRPC error-status alternative).
type Interaction struct {
	Description string
	Config      InteractionConfig
	Request     Part
	Responses   []Part
}

// Document is the minimal pact document shape this plugin needs: its own
// interactions plus the descriptor registry keyed by fingerprint.
type Document struct {
	Interactions []Interaction
	Descriptors  map[string]DescriptorEntry
}

// FindDescriptor looks up the descriptor registered under fingerprint,
// returning an error naming the fingerprint on a miss so a verifier can
// report exactly which interaction's descriptorKey could not be resolved.
func (d *Document) FindDescriptor(fingerprint string) (DescriptorEntry, error) {
	entry, ok := d.Descriptors[fingerprint]
	if !ok {
		return DescriptorEntry{}, fmt.Errorf("pact: no descriptor registered for fingerprint %q", fingerprint)
	}
	return entry, nil
}
