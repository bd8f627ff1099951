package frontend

import (
	"context"
	"net/http"

	"github.com/kimpers/yotp-charity/feed"
	"github.com/kimpers/yotp-charity/frontend/grpc"
)

// Frontend exposes a Feed to consumers over some transport.
type Frontend interface {
	Start(*feed.Feed) <-chan error
	Close(context.Context) error
}

// New builds the frontend of type f. metrics is served by the REST frontend
// and ignored by gRPC.
func New(f FrontendType, metrics http.Handler) Frontend {
	switch f {
	case GRPC:
		return grpc.NewGRPCServer()
	case REST:
		return NewRESTServer(metrics)
	}

	return nil
}

func ToFrontendType(s string) FrontendType {
	switch s {
	case "GRPC":
		return GRPC
	case "REST":
		return REST
	}
	return 0
}

type FrontendType int

const (
	_ FrontendType = iota
	GRPC
	REST
)

func (f FrontendType) String() string {
	if f < GRPC || f > REST {
		return "Unknown"
	}
	return []string{"GRPC", "REST"}[f-1]
}
