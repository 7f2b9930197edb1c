package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// AssignmentServiceClient calls the assignment service over a client
// connection.
type AssignmentServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewAssignmentServiceClient(cc grpc.ClientConnInterface) *AssignmentServiceClient {
	return &AssignmentServiceClient{cc: cc}
}

func (c *AssignmentServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AssignmentServiceClient) GetAssignment(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetAssignment, in, opts...)
}

func (c *AssignmentServiceClient) GetBanditAction(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetBanditAction, in, opts...)
}

func (c *AssignmentServiceClient) GetBanditKeys(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetBanditKeys, &structpb.Struct{}, opts...)
}

func (c *AssignmentServiceClient) GetPrecomputed(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetPrecomputed, in, opts...)
}

func (c *AssignmentServiceClient) LoadConfiguration(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodLoadConfiguration, in, opts...)
}

// WatchConfiguration opens the change stream. Cancel ctx to close it.
func (c *AssignmentServiceClient) WatchConfiguration(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &assignmentServiceDesc.Streams[0], MethodWatchConfiguration, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
