package grpc

import (
	context "context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName      = "charityfeed.v1.ActiveEntities"
	ListFullMethod   = "/" + ServiceName + "/List"
	WatchFullMethod  = "/" + ServiceName + "/Watch"
	serviceProtoFile = "charityfeed/v1/active_entities.proto"
)

// ActiveEntitiesServer is the read side of the feed over gRPC. List returns
// the active set as a ListValue of entity structs; Watch streams one Struct
// per committed change, starting with the current state.
type ActiveEntitiesServer interface {
	List(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Watch(*emptypb.Empty, grpc.ServerStream) error
}

func RegisterActiveEntitiesServer(s grpc.ServiceRegistrar, srv ActiveEntitiesServer) {
	s.RegisterService(&ActiveEntitiesServiceDesc, srv)
}

var ActiveEntitiesServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ActiveEntitiesServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "List",
			Handler:    listHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: serviceProtoFile,
}

func listHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ActiveEntitiesServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ListFullMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ActiveEntitiesServer).List(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ActiveEntitiesServer).Watch(in, stream)
}

// Client calls the ActiveEntities service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) List(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, ListFullMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch opens the change stream. Call Recv on the result until it fails.
func (c *Client) Watch(ctx context.Context, opts ...grpc.CallOption) (*WatchStream, error) {
	stream, err := c.cc.NewStream(ctx, &ActiveEntitiesServiceDesc.Streams[0], WatchFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchStream{stream: stream}, nil
}

type WatchStream struct {
	stream grpc.ClientStream
}

func (w *WatchStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := w.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
