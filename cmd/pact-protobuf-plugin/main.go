// Command pact-protobuf-plugin is the process entrypoint. It constructs a
// plugin.Plugin and logs startup; it does not implement the pact-plugin gRPC
// transport (InitPlugin/ConfigureInteraction/... over gRPC), port allocation,
// server-key emission on stdout, or pact file I/O — those are host-plugin
// RPC-surface and process-lifecycle concerns outside this repository. A real
// deployment wires a generated pact-plugin gRPC server around plugin.Plugin;
// this entrypoint exercises the handler directly so the wiring itself is
// testable without fabricating that transport's .proto definitions.
package main

import (
	"fmt"
	"os"

	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/logging"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/plugin"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/pluginapi"
)

func main() {
	log := logging.New()

	p := plugin.New(&log)

	resp, err := p.InitPlugin(pluginapi.InitPluginRequest{
		Implementation: "pact-protobuf-plugin-go",
		Version:        version(),
	})
	if err != nil {
		log.Error().Err(err).Msg("plugin initialisation failed")
		os.Exit(1)
	}

	for _, entry := range resp.Catalogue {
		log.Info().Str("type", entry.Type).Str("key", entry.Key).Strs("contentTypes", entry.ContentType).Msg("registered catalogue entry")
	}

	log.Info().Msg("plugin ready; awaiting host transport wiring")
}

// version is overridden at build time via -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

func version() string {
	if buildVersion == "" {
		return "dev"
	}
	return fmt.Sprint(buildVersion)
}
