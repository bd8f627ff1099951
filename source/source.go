// Package source provides the LogSource implementations the feed folds
// events from. Every Fetch is restartable: it returns the records after the
// given sequence, in whatever order the backing log yields them.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/kimpers/yotp-charity/env"
	"github.com/kimpers/yotp-charity/store"
	"github.com/redis/go-redis/v9"
)

var ErrSourceUnavailable = errors.New("log source unavailable")

type Source interface {
	// Fetch streams records with a sequence after since. Both channels are
	// closed once the window is exhausted; at most one error is sent.
	Fetch(ctx context.Context, since store.Sequence) (<-chan store.EventRecord, <-chan error)

	Close() error
}

func New(t SourceType) (Source, error) {
	switch t {
	case File:
		return NewFileSource(env.EventLogPath())
	case PSQL:
		params := PostgresDBParams{
			dbName:   env.DBName(),
			host:     env.DBHost(),
			user:     env.DBUser(),
			password: env.DBPass(),
		}

		return NewPostgresSource(params)
	case Redis:
		return NewRedisSource(&redis.Options{Addr: env.RedisAddr()}, env.RedisStream())
	}
	return nil, fmt.Errorf("invalid sourceType %v", t)
}

func ToSourceType(s string) SourceType {
	switch s {
	case "File":
		return File
	case "PSQL":
		return PSQL
	case "Redis":
		return Redis
	}
	return 0
}

type SourceType int

const (
	_ SourceType = iota
	File
	PSQL
	Redis
)

func (t SourceType) String() string {
	if t < File || t > Redis {
		return "Unknown"
	}
	return []string{"File", "PSQL", "Redis"}[t-1]
}

// Collect drains one Fetch into a slice.
func Collect(ctx context.Context, src Source, since store.Sequence) ([]store.EventRecord, error) {
	events, errs := src.Fetch(ctx, since)

	var out []store.EventRecord
	for events != nil || errs != nil {
		select {
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			out = append(out, e)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

// after reports whether seq belongs to the window after since. The zero
// sequence selects the whole log.
func after(since, seq store.Sequence) bool {
	return since.IsZero() || since.Less(seq)
}

// emit sends e unless ctx is done.
func emit(ctx context.Context, out chan<- store.EventRecord, e store.EventRecord) error {
	select {
	case out <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
