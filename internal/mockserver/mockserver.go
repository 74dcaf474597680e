// Package mockserver implements the in-process gRPC mock server: a real
// net.Listener plus grpc.Server configured with a raw-bytes codec and a
// single grpc.UnknownServiceHandler, so a server can stand up routes for
// services it never compiled generated stubs for. The registration shape
// (one route per "/<service>/<method>", tried in insertion order, read-only
// once built) mirrors the grpc.ServiceDesc/grpc.ServiceInfo model
// inprocgrpc's handler map uses for reporting, generalised here to also
// carry the body matching state ShutdownMockServer reports on.
package mockserver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/bodymatch"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/descriptor"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/docpath"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/pact"
	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/wire"
)

// Route is one "/<service>/<method>" entry in a server's routing table,
// bound to one or more candidate interactions tried in insertion order.
type Route struct {
	Key          string
	Method       protoreflect.MethodDescriptor
	Interactions []pact.Interaction
}

// Outcome is one recorded call against a route: the body comparison result
// that determined whether the configured response was sent back.
type Outcome struct {
	Body bodymatch.Result
}

// RouteLog accumulates the call count and outcome history for one route.
type RouteLog struct {
	mu         sync.Mutex
	CallCount  int
	Outcomes   []Outcome
}

func (l *RouteLog) record(outcomes []Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.CallCount++
	l.Outcomes = append(l.Outcomes, outcomes...)
}

func (l *RouteLog) snapshot() (int, []Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Outcome, len(l.Outcomes))
	copy(out, l.Outcomes)
	return l.CallCount, out
}

// Server is one running mock server instance: a listener, a grpc.Server
// configured with UnknownServiceHandler, and the read-only route table
// built at StartMockServer time.
type Server struct {
	Key      string
	Address  string
	Port     int
	Cache    *descriptor.Cache
	Routes   map[string]*Route
	log      *zerolog.Logger
	listener net.Listener
	grpcSrv  *grpc.Server
	logs     map[string]*RouteLog
	group    *errgroup.Group
}

// Registry is the package-level map of running servers keyed by server key,
// consulted by ShutdownMockServer since the host addresses servers only by
// that key, not by a Go reference it can hold across the RPC boundary.
type registry struct {
	mu      sync.Mutex
	servers map[string]*Server
}

var Registry = &registry{servers: make(map[string]*Server)}

func (r *registry) put(s *Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[s.Key] = s
}

// Get returns the running server for key, or false if no such server is
// registered (already shut down, or never started).
func (r *registry) Get(key string) (*Server, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[key]
	return s, ok
}

func (r *registry) remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, key)
}

// rawCodec passes frames through as opaque byte slices, letting the server
// dispatch purely by full method name without generated message types.
type rawCodec struct{}

type frame struct {
	payload []byte
}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("mockserver: codec cannot marshal %T", v)
	}
	return f.payload, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("mockserver: codec cannot unmarshal into %T", v)
	}
	f.payload = data
	return nil
}

// Name must be "proto" since that is the content-subtype gRPC clients
// advertise for unary protobuf calls by default; ForceServerCodec below
// overrides what actually runs for that name.
func (rawCodec) Name() string { return "proto" }

// statusByName maps the canonical gRPC status names (codes.Code.String())
// back to their code, so a configured "grpc-status" response metadata value
// like "NotFound" can be turned into the status this server actually sends.
var statusByName = map[string]codes.Code{
	"OK":                 codes.OK,
	"Canceled":           codes.Canceled,
	"Unknown":            codes.Unknown,
	"InvalidArgument":    codes.InvalidArgument,
	"DeadlineExceeded":   codes.DeadlineExceeded,
	"NotFound":           codes.NotFound,
	"AlreadyExists":      codes.AlreadyExists,
	"PermissionDenied":   codes.PermissionDenied,
	"ResourceExhausted":  codes.ResourceExhausted,
	"FailedPrecondition": codes.FailedPrecondition,
	"Aborted":            codes.Aborted,
	"OutOfRange":         codes.OutOfRange,
	"Unimplemented":      codes.Unimplemented,
	"Internal":           codes.Internal,
	"Unavailable":        codes.Unavailable,
	"DataLoss":           codes.DataLoss,
	"Unauthenticated":    codes.Unauthenticated,
}

// lookupMetadata fetches key from md case-insensitively, mirroring the
// header-name semantics the metadata matcher itself applies.
func lookupMetadata(md map[string]string, key string) (string, bool) {
	for k, v := range md {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// Start binds a listener on host:port (port 0 picks an ephemeral port),
// builds the grpc.Server with the raw codec and a routing UnknownServiceHandler,
// and begins serving in the background. routes must already be fully
// populated; the table is read-only from this point on.
func Start(host string, port int, cache *descriptor.Cache, routes map[string]*Route, log *zerolog.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("mockserver: listen: %w", err)
	}

	s := &Server{
		Key:      uuid.NewString(),
		Address:  host,
		Port:     lis.Addr().(*net.TCPAddr).Port,
		Cache:    cache,
		Routes:   routes,
		log:      log,
		listener: lis,
		logs:     make(map[string]*RouteLog),
	}
	for key := range routes {
		s.logs[key] = &RouteLog{}
	}

	s.grpcSrv = grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(s.handleUnary),
	)

	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return s.grpcSrv.Serve(lis)
	})
	s.group = g

	Registry.put(s)
	return s, nil
}

// handleUnary is the generic dispatch point for every RPC the server
// receives, regardless of which service/method it targets.
func (s *Server) handleUnary(srv any, stream grpc.ServerStream) error {
	fullMethod, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "mockserver: could not determine method from stream")
	}

	route, ok := s.Routes[fullMethod]
	if !ok {
		return status.Errorf(codes.Unimplemented, "mockserver: no route registered for %s", fullMethod)
	}

	var in frame
	if err := stream.RecvMsg(&in); err != nil {
		return status.Errorf(codes.Internal, "mockserver: receiving request: %v", err)
	}

	actualReq, err := wire.Decode(route.Method.Input(), in.payload)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "mockserver: decoding request: %v", err)
	}

	log := s.logs[route.Key]
	var outcomes []Outcome
	if log != nil {
		defer func() { log.record(outcomes) }()
	}

	var lastMismatch bodymatch.Result
	for _, interaction := range route.Interactions {
		expectedReq, err := wire.Decode(route.Method.Input(), interaction.Request.Contents)
		if err != nil {
			continue
		}

		result := bodymatch.CompareMessage(
			&bodymatch.Context{Rules: interaction.Request.Rules, Diff: bodymatch.AllowUnexpectedKeys},
			docpath.RootPath(),
			expectedReq.ProtoReflect(),
			actualReq.ProtoReflect(),
		)

		outcomes = append(outcomes, Outcome{Body: result})

		if !result.Ok() {
			lastMismatch = result
			continue
		}

		if len(interaction.Responses) == 0 {
			return status.Error(codes.FailedPrecondition, "mockserver: matched interaction has no configured response")
		}

		resp := interaction.Responses[0]
		if name, ok := lookupMetadata(resp.Metadata, "grpc-status"); ok {
			if code, known := statusByName[name]; known && code != codes.OK {
				msg, _ := lookupMetadata(resp.Metadata, "grpc-message")
				return status.Error(code, msg)
			}
		}
		return stream.SendMsg(&frame{payload: resp.Contents})
	}

	return status.Errorf(codes.FailedPrecondition, "mockserver: request did not match any configured interaction; mismatches: %v", lastMismatch.Mismatches)
}

// Shutdown signals the grpc.Server to stop accepting new connections, waits
// for in-flight handlers to drain, and returns the final per-route result
// log plus whether every route saw at least one call.
func (s *Server) Shutdown(ctx context.Context) (map[string]RouteLog, bool, error) {
	done := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.grpcSrv.Stop()
	}

	_ = s.group.Wait()
	Registry.remove(s.Key)

	results := make(map[string]RouteLog, len(s.logs))
	allMatched := true
	for key, rl := range s.logs {
		count, outcomes := rl.snapshot()
		results[key] = RouteLog{CallCount: count, Outcomes: outcomes}
		if count == 0 {
			allMatched = false
		}
	}
	return results, allMatched, nil
}
