package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/kimpers/yotp-charity/store"
)

// FileSource reads a tab separated event log:
//
//	block	logIndex	kind	key	payloadJSON
//
// Blank lines and lines starting with # are ignored. The file is reopened on
// every Fetch, so appends by the writer are picked up on the next poll.
// Lines longer than MaxLineSize are skipped.
type FileSource struct {
	filename    string
	logger      *slog.Logger
	MaxLineSize int
}

const DefaultMaxLineSize = 1 << 20

func NewFileSource(filename string) (*FileSource, error) {
	if _, err := os.Stat(filename); err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	return &FileSource{filename: filename, logger: slog.Default(), MaxLineSize: DefaultMaxLineSize}, nil
}

func (fs *FileSource) Close() error {
	return nil
}

func (fs *FileSource) Fetch(ctx context.Context, since store.Sequence) (<-chan store.EventRecord, <-chan error) {
	outEvent := make(chan store.EventRecord)
	outError := make(chan error, 1)

	go func() {
		defer close(outEvent)
		defer close(outError)

		file, err := os.Open(fs.filename)
		if err != nil {
			outError <- fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
			return
		}
		defer file.Close()

		maxLine := fs.MaxLineSize
		if maxLine <= 0 {
			maxLine = DefaultMaxLineSize
		}

		lines := &lineSplitter{max: maxLine}
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, min(maxLine, 64*1024)), maxLine)
		scanner.Split(lines.split)

		for scanner.Scan() {
			lineNo := lines.lineNo
			line := scanner.Text()
			if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
				continue
			}

			e, err := parseLine(line)
			if err != nil {
				fs.logger.Warn("skipping unparseable event log line",
					"file", fs.filename, "line", lineNo, "error", err)
				continue
			}
			if !after(since, e.Sequence) {
				continue
			}

			if err := emit(ctx, outEvent, e); err != nil {
				outError <- err
				return
			}
		}

		for _, n := range lines.skipped {
			fs.logger.Warn("skipping oversized event log line",
				"file", fs.filename, "line", n, "max_bytes", maxLine)
		}

		if err := scanner.Err(); err != nil {
			outError <- fmt.Errorf("%w: event log read failure: %w", ErrSourceUnavailable, err)
			return
		}
	}()

	return outEvent, outError
}

// lineSplitter splits on newlines like bufio.ScanLines, but discards lines
// longer than max instead of failing the scan.
type lineSplitter struct {
	max      int
	lineNo   int
	skipping bool
	skipped  []int
}

func (l *lineSplitter) split(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		l.lineNo++
		if l.skipping {
			l.skipping = false
			l.skipped = append(l.skipped, l.lineNo)
			return i + 1, nil, nil
		}
		return i + 1, bytes.TrimSuffix(data[:i], []byte{'\r'}), nil
	}

	if len(data) >= l.max {
		l.skipping = true
		return len(data), nil, nil
	}

	if atEOF && len(data) > 0 {
		l.lineNo++
		if l.skipping {
			l.skipping = false
			l.skipped = append(l.skipped, l.lineNo)
			return len(data), nil, nil
		}
		return len(data), bytes.TrimSuffix(data, []byte{'\r'}), nil
	}

	if atEOF && l.skipping {
		l.lineNo++
		l.skipping = false
		l.skipped = append(l.skipped, l.lineNo)
	}

	return 0, nil, nil
}

func parseLine(line string) (store.EventRecord, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 4 {
		return store.EventRecord{}, fmt.Errorf("expected at least 4 fields, got %d", len(fields))
	}

	block, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return store.EventRecord{}, fmt.Errorf("input parse error: %w", err)
	}
	index, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return store.EventRecord{}, fmt.Errorf("input parse error: %w", err)
	}

	e := store.EventRecord{
		Sequence: store.Sequence{Block: block, LogIndex: index},
		Kind:     store.ToKind(fields[2]),
		Key:      fields[3],
	}

	if len(fields) > 4 && strings.TrimSpace(fields[4]) != "" {
		if err := json.Unmarshal([]byte(fields[4]), &e.Payload); err != nil {
			return store.EventRecord{}, fmt.Errorf("payload parse error: %w", err)
		}
	}

	return e, nil
}
