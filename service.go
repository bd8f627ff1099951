package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kimpers/yotp-charity/feed"
	"github.com/kimpers/yotp-charity/frontend"
	"github.com/kimpers/yotp-charity/source"
	"github.com/kimpers/yotp-charity/telemetry"
)

const shutdownTimeout = 5 * time.Second

func NewService(conf *ConfigFile, tp *telemetry.Providers, sl *slog.Logger) *Service {
	return &Service{
		conf:      conf,
		telemetry: tp,
		slogger:   sl,
	}
}

// Service runs one source, feed and frontend at a time. Start, Stop and
// Reload are serialized; at most one instance is registered.
type Service struct {
	lifecycle sync.Mutex

	mu        sync.Mutex
	conf      *ConfigFile
	telemetry *telemetry.Providers
	slogger   *slog.Logger
	feed      *feed.Feed
	cancel    context.CancelFunc
	done      chan struct{}
}

// Start stops any running instance, then serves until Stop or Reload.
func (s *Service) Start() error {
	s.lifecycle.Lock()
	s.stop()
	ctx, done, conf := s.register(nil)
	s.lifecycle.Unlock()

	return s.serve(ctx, done, conf)
}

func (s *Service) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.stop()
}

// Reload restarts the service with conf. The previous instance is fully shut
// down before the new one is registered.
func (s *Service) Reload(conf *ConfigFile) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.stop()
	ctx, done, conf := s.register(conf)
	go s.logServe(ctx, done, conf)

	return nil
}

// Feed returns the running feed, or nil between restarts.
func (s *Service) Feed() *feed.Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feed
}

func (s *Service) run() {
	s.lifecycle.Lock()
	s.stop()
	ctx, done, conf := s.register(nil)
	s.lifecycle.Unlock()

	s.logServe(ctx, done, conf)
}

func (s *Service) logServe(ctx context.Context, done chan struct{}, conf *ConfigFile) {
	if err := s.serve(ctx, done, conf); err != nil {
		s.slogger.Error("s.Start()", "error", err)
	}
}

// register records a new instance. Callers hold lifecycle.
func (s *Service) register(conf *ConfigFile) (context.Context, chan struct{}, *ConfigFile) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	defer s.mu.Unlock()

	if conf != nil {
		s.conf = conf
	}
	s.cancel, s.done = cancel, done

	return ctx, done, s.conf
}

// stop cancels the registered instance and waits for it to release its
// source and frontend. Callers hold lifecycle.
func (s *Service) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done, s.feed = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * shutdownTimeout):
		s.slogger.Error("s.Stop()", "error", "timed out waiting for service to stop")
	}
}

func (s *Service) serve(ctx context.Context, done chan struct{}, conf *ConfigFile) error {
	defer close(done)

	src, err := source.New(source.ToSourceType(conf.Source))
	if err != nil {
		return fmt.Errorf("failed to open %s source: %w", conf.Source, err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			s.slogger.Error("s.source.Close()", "error", err.Error())
		}
	}()

	if ctx.Err() != nil {
		return nil
	}

	var metrics http.Handler
	if s.telemetry != nil {
		metrics = s.telemetry.MetricsHandler()
	}

	fd := feed.New(conf.FeedOptions(s.slogger))
	defer fd.Close()

	fe := frontend.New(frontend.ToFrontendType(conf.Frontend), metrics)
	frontendErrors := fe.Start(fd)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := fe.Close(shutdownCtx); err != nil {
			s.slogger.Error("s.frontend.Close()", "error", err.Error())
		}
	}()

	s.mu.Lock()
	if ctx.Err() == nil {
		s.feed = fd
	}
	s.mu.Unlock()

	s.slogger.Info("listening", "s.frontend", conf.Frontend, "s.source", conf.Source)

	polling := make(chan struct{})
	go func() {
		defer close(polling)
		if err := fd.Run(ctx, src); err != nil && !errors.Is(err, context.Canceled) {
			s.slogger.Error("s.feed.Run", "error", err)
		}
	}()
	defer func() { <-polling }()

	for {
		select {
		case err := <-frontendErrors:
			if err != nil {
				s.slogger.Error("s.frontend", "error", err)
			}
		case err := <-fd.Err():
			if err != nil {
				s.slogger.Error("s.feed", "error", err)
			}
		case err := <-fd.Drops():
			if err != nil {
				s.slogger.Warn("s.feed subscriber", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
