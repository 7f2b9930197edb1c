package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/assignz/internal/core"
	"github.com/matt-riley/assignz/internal/service"
)

// ServiceName is the fully qualified gRPC service name. Messages are
// google.protobuf.Struct documents shaped like the HTTP JSON bodies.
const ServiceName = "assignz.v1.AssignmentService"

// Full method names, for interceptors that select methods.
const (
	MethodGetAssignment      = "/" + ServiceName + "/GetAssignment"
	MethodGetBanditAction    = "/" + ServiceName + "/GetBanditAction"
	MethodGetBanditKeys      = "/" + ServiceName + "/GetBanditKeys"
	MethodGetPrecomputed     = "/" + ServiceName + "/GetPrecomputed"
	MethodLoadConfiguration  = "/" + ServiceName + "/LoadConfiguration"
	MethodWatchConfiguration = "/" + ServiceName + "/WatchConfiguration"
)

const defaultGRPCStreamPollInterval = time.Second

// AssignmentServiceServer is the server API for the assignment service.
type AssignmentServiceServer interface {
	GetAssignment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBanditAction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBanditKeys(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPrecomputed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadConfiguration(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchConfiguration(*structpb.Struct, ConfigurationWatchStream) error
}

// ConfigurationWatchStream is the server side of WatchConfiguration.
type ConfigurationWatchStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

// RegisterAssignmentServiceServer registers srv on s.
func RegisterAssignmentServiceServer(s grpc.ServiceRegistrar, srv AssignmentServiceServer) {
	s.RegisterService(&assignmentServiceDesc, srv)
}

var assignmentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AssignmentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetAssignment", Handler: unaryHandler(MethodGetAssignment, AssignmentServiceServer.GetAssignment)},
		{MethodName: "GetBanditAction", Handler: unaryHandler(MethodGetBanditAction, AssignmentServiceServer.GetBanditAction)},
		{MethodName: "GetBanditKeys", Handler: unaryHandler(MethodGetBanditKeys, AssignmentServiceServer.GetBanditKeys)},
		{MethodName: "GetPrecomputed", Handler: unaryHandler(MethodGetPrecomputed, AssignmentServiceServer.GetPrecomputed)},
		{MethodName: "LoadConfiguration", Handler: unaryHandler(MethodLoadConfiguration, AssignmentServiceServer.LoadConfiguration)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchConfiguration",
			Handler:       watchConfigurationHandler,
			ServerStreams: true,
		},
	},
	Metadata: "assignz/v1/assignment.proto",
}

type unaryMethod func(AssignmentServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		impl := srv.(AssignmentServiceServer)
		if interceptor == nil {
			return call(impl, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(impl, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchConfigurationHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AssignmentServiceServer).WatchConfiguration(in, &configurationWatchStream{stream})
}

type configurationWatchStream struct {
	grpc.ServerStream
}

func (x *configurationWatchStream) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// GRPCServer implements AssignmentServiceServer on top of a Service.
type GRPCServer struct {
	service            Service
	streamPollInterval time.Duration
	writesEnabled      bool
}

// GRPCOption configures a GRPCServer.
type GRPCOption func(*GRPCServer)

// WithWatchPollInterval sets how often WatchConfiguration checks for a new
// configuration.
func WithWatchPollInterval(d time.Duration) GRPCOption {
	return func(s *GRPCServer) {
		if d > 0 {
			s.streamPollInterval = d
		}
	}
}

// WithConfigurationWrites enables LoadConfiguration. Authentication is left
// to an interceptor.
func WithConfigurationWrites(enabled bool) GRPCOption {
	return func(s *GRPCServer) { s.writesEnabled = enabled }
}

func NewGRPCServer(svc Service, opts ...GRPCOption) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}
	s := &GRPCServer{
		service:            svc,
		streamPollInterval: defaultGRPCStreamPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *GRPCServer) GetAssignment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req assignmentRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	coreReq, def, err := req.toCore()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	a, err := s.service.Assign(ctx, coreReq)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return encodeStruct(newAssignmentResult(a, coreReq, def))
}

func (s *GRPCServer) GetBanditAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req banditActionRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}

	ev, err := s.service.BanditAction(ctx, req.toCore())
	if err != nil {
		return nil, toGRPCError(err)
	}
	return encodeStruct(newBanditActionResponse(req, ev))
}

func (s *GRPCServer) GetBanditKeys(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return encodeStruct(banditKeysResponse{BanditKeys: s.service.BanditKeys()})
}

func (s *GRPCServer) GetPrecomputed(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req precomputeRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}

	flags, err := s.service.Precompute(ctx, req.SubjectKey, req.SubjectAttributes)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return encodeStruct(precomputeResponse{SubjectKey: req.SubjectKey, Flags: flags})
}

func (s *GRPCServer) LoadConfiguration(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if !s.writesEnabled {
		return nil, status.Error(codes.PermissionDenied, "configuration writes are disabled")
	}
	var req configurationBody
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}

	if err := s.service.LoadConfiguration(ctx, req.Flags, optionalPayload(req.Bandits), optionalPayload(req.BanditModels)); err != nil {
		return nil, toGRPCError(err)
	}
	return encodeStruct(summarize(s.service.Version(), s.service.Configuration()))
}

type watchRequest struct {
	LastVersion uint64 `json:"lastVersion,omitempty"`
}

// WatchConfiguration sends a summary each time a new configuration is
// installed, starting with the current one unless the caller has already
// seen it.
func (s *GRPCServer) WatchConfiguration(in *structpb.Struct, stream ConfigurationWatchStream) error {
	var req watchRequest
	if err := decodeStruct(in, &req); err != nil {
		return err
	}
	lastVersion := req.LastVersion

	sendIfChanged := func() error {
		version := s.service.Version()
		if version == lastVersion {
			return nil
		}
		cfg := s.service.Configuration()
		if cfg == nil {
			return nil
		}
		msg, err := encodeStruct(summarize(version, cfg))
		if err != nil {
			return err
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
		lastVersion = version
		return nil
	}

	if err := sendIfChanged(); err != nil {
		return err
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-ticker.C:
			if err := sendIfChanged(); err != nil {
				return err
			}
		}
	}
}

// decodeStruct converts a Struct into a request DTO, rejecting unknown
// fields and failed validation with InvalidArgument.
func decodeStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		return status.Error(codes.InvalidArgument, validationMessage(err))
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		banditErr   *core.BanditConfigurationError
		mismatchErr *core.TypeMismatchError
	)
	switch {
	case errors.Is(err, core.ErrParse):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &mismatchErr):
		return status.Error(codes.InvalidArgument, mismatchErr.Error())
	case errors.As(err, &banditErr):
		return status.Error(codes.FailedPrecondition, banditErr.Error())
	case errors.Is(err, core.ErrConfigurationMissing), errors.Is(err, service.ErrNoConfiguration):
		return status.Error(codes.Unavailable, "no configuration loaded")
	case errors.Is(err, core.ErrFlagNotFound):
		return status.Error(codes.NotFound, "flag not found")
	case errors.Is(err, core.ErrFlagDisabled):
		return status.Error(codes.NotFound, "flag disabled")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, serviceErrorMessage(err))
	}
}
