package grpc

import (
	context "context"
	"errors"
	"fmt"
	"net"

	"github.com/kimpers/yotp-charity/env"
	"github.com/kimpers/yotp-charity/feed"
	"github.com/kimpers/yotp-charity/store"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func NewGRPCServer() *GRPCServer {
	return &GRPCServer{}
}

type GRPCServer struct {
	feed *feed.Feed
	gs   *grpc.Server
	lis  net.Listener

	err chan error
}

func (s *GRPCServer) List(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	l, err := entityList(s.feed.ActiveEntities())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode entities: %v", err)
	}
	return l, nil
}

func (s *GRPCServer) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	changes := make(chan store.Change, 16)
	h := s.feed.OnChange(func(ctx context.Context, c store.Change) error {
		select {
		case changes <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	defer s.feed.Unsubscribe(h)

	current := s.feed.Snapshot()
	if err := sendChange(stream, store.Change{Snapshot: current}); err != nil {
		return err
	}

	for {
		select {
		case <-stream.Context().Done():
			return status.FromContextError(stream.Context().Err()).Err()
		case c := <-changes:
			if c.Snapshot.Revision() <= current.Revision() {
				continue
			}
			if err := sendChange(stream, c); err != nil {
				return err
			}
		}
	}
}

// Server builds the instrumented grpc.Server serving fd.
func (s *GRPCServer) Server(fd *feed.Feed) *grpc.Server {
	s.feed = fd
	s.gs = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))

	RegisterActiveEntitiesServer(s.gs, s)

	return s.gs
}

func (s *GRPCServer) Start(fd *feed.Feed) <-chan error {
	s.err = make(chan error, 1)
	gs := s.Server(fd)

	lis, err := net.Listen("tcp", env.FrontendPort())
	if err != nil {
		s.err <- fmt.Errorf("can't hear anything! %w", err)
		return s.err
	}
	s.lis = lis

	go func() {
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.err <- fmt.Errorf("failed to serve: %w", err)
		}
	}()

	return s.err
}

// Close stops gracefully, or forcibly once ctx expires.
func (s *GRPCServer) Close(ctx context.Context) error {
	if s.gs == nil {
		return nil
	}

	// Serve may not have taken ownership of the listener yet.
	if s.lis != nil {
		defer s.lis.Close()
	}

	stopped := make(chan struct{})
	go func() {
		s.gs.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.gs.Stop()
		return ctx.Err()
	}
}

func sendChange(stream grpc.ServerStream, c store.Change) error {
	msg, err := changeStruct(c)
	if err != nil {
		return status.Errorf(codes.Internal, "encode change: %v", err)
	}
	return stream.SendMsg(msg)
}

func changeStruct(c store.Change) (*structpb.Struct, error) {
	entities, err := entityList(c.Snapshot.Entities())
	if err != nil {
		return nil, err
	}

	changed := make([]any, 0, len(c.Changed))
	for _, k := range c.Changed {
		changed = append(changed, k)
	}
	changedList, err := structpb.NewList(changed)
	if err != nil {
		return nil, err
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"asOf":     structpb.NewStringValue(c.Snapshot.AsOf().String()),
		"revision": structpb.NewNumberValue(float64(c.Snapshot.Revision())),
		"changed":  structpb.NewListValue(changedList),
		"entities": structpb.NewListValue(entities),
	}}, nil
}

func entityList(es []store.ActiveEntity) (*structpb.ListValue, error) {
	values := make([]*structpb.Value, 0, len(es))
	for _, e := range es {
		payload := make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			payload[k] = v
		}

		st, err := structpb.NewStruct(map[string]any{
			"key":     e.Key,
			"addedAt": e.AddedAt.String(),
			"payload": payload,
		})
		if err != nil {
			return nil, err
		}
		values = append(values, structpb.NewStructValue(st))
	}

	return &structpb.ListValue{Values: values}, nil
}
