package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kimpers/yotp-charity/store"
	"github.com/redis/go-redis/v9"
)

const redisPageSize = 500

// RedisSource reads events from a Redis stream. Each entry carries the
// fields block, log_index, kind, key and an optional JSON payload. Stream
// IDs are only used for paging; ordering comes from the event sequence.
//
// Entries may be appended out of sequence order, so the source remembers,
// per page boundary, the highest sequence at or before that stream ID. A
// fetch starts after the last boundary whose prefix is entirely <= since.
type RedisSource struct {
	client   redis.UniversalClient
	stream   string
	logger   *slog.Logger
	pageSize int64

	mu          sync.Mutex
	checkpoints []streamCheckpoint
}

type streamCheckpoint struct {
	id        string
	prefixMax store.Sequence
}

func NewRedisSource(opts *redis.Options, stream string) (*RedisSource, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisSourceFromClient(client, stream), nil
}

func NewRedisSourceFromClient(client redis.UniversalClient, stream string) *RedisSource {
	return &RedisSource{client: client, stream: stream, logger: slog.Default(), pageSize: redisPageSize}
}

func (s *RedisSource) Close() error {
	return s.client.Close()
}

func (s *RedisSource) Fetch(ctx context.Context, since store.Sequence) (<-chan store.EventRecord, <-chan error) {
	outEvent := make(chan store.EventRecord)
	outError := make(chan error, 1)

	go func() {
		defer close(outEvent)
		defer close(outError)

		start, prefixMax := s.resume(since)
		for {
			msgs, err := s.client.XRangeN(ctx, s.stream, start, "+", s.pageSize).Result()
			if err != nil {
				outError <- fmt.Errorf("%w: xrange %s: %w", ErrSourceUnavailable, s.stream, err)
				return
			}

			for _, msg := range msgs {
				e, err := decodeMessage(msg)
				if err != nil {
					s.logger.Warn("skipping undecodable stream entry",
						"stream", s.stream, "id", msg.ID, "error", err)
					continue
				}
				if prefixMax.Less(e.Sequence) {
					prefixMax = e.Sequence
				}
				if !after(since, e.Sequence) {
					continue
				}
				if err := emit(ctx, outEvent, e); err != nil {
					outError <- err
					return
				}
			}

			if len(msgs) == 0 {
				return
			}
			last := msgs[len(msgs)-1].ID
			s.checkpoint(last, prefixMax)

			if int64(len(msgs)) < s.pageSize {
				return
			}
			start = "(" + last
		}
	}()

	return outEvent, outError
}

// resume returns the XRANGE start for since and the highest sequence in the
// skipped prefix.
func (s *RedisSource) resume(since store.Sequence) (string, store.Sequence) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.checkpoints), func(i int) bool {
		return since.Less(s.checkpoints[i].prefixMax)
	})
	if i == 0 {
		return "-", store.Sequence{}
	}

	cp := s.checkpoints[i-1]
	return "(" + cp.id, cp.prefixMax
}

func (s *RedisSource) checkpoint(id string, prefixMax store.Sequence) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.checkpoints); n > 0 && !streamIDLess(s.checkpoints[n-1].id, id) {
		return
	}
	s.checkpoints = append(s.checkpoints, streamCheckpoint{id: id, prefixMax: prefixMax})
}

// streamIDLess compares two "ms-seq" stream IDs.
func streamIDLess(a, b string) bool {
	am, as := splitStreamID(a)
	bm, bs := splitStreamID(b)
	if am != bm {
		return am < bm
	}
	return as < bs
}

func splitStreamID(id string) (uint64, uint64) {
	ms, seq, _ := strings.Cut(id, "-")
	m, _ := strconv.ParseUint(ms, 10, 64)
	n, _ := strconv.ParseUint(seq, 10, 64)
	return m, n
}

func decodeMessage(msg redis.XMessage) (store.EventRecord, error) {
	field := func(name string) string {
		v, ok := msg.Values[name]
		if !ok {
			return ""
		}
		return fmt.Sprint(v)
	}

	block, err := strconv.ParseUint(field("block"), 10, 64)
	if err != nil {
		return store.EventRecord{}, fmt.Errorf("invalid block: %w", err)
	}
	index, err := strconv.ParseUint(field("log_index"), 10, 64)
	if err != nil {
		return store.EventRecord{}, fmt.Errorf("invalid log_index: %w", err)
	}

	e := store.EventRecord{
		Sequence: store.Sequence{Block: block, LogIndex: index},
		Kind:     store.ToKind(field("kind")),
		Key:      field("key"),
	}
	if p := field("payload"); p != "" {
		if err := json.Unmarshal([]byte(p), &e.Payload); err != nil {
			return store.EventRecord{}, fmt.Errorf("invalid payload: %w", err)
		}
	}

	return e, nil
}
