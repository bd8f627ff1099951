package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kimpers/yotp-charity/store"
	"github.com/lib/pq"
)

const Table = "charity_events"

func NewPostgresSource(config PostgresDBParams) (*PostgresSource, error) {
	connStr := fmt.Sprintf("host=%s dbname=%s user=%s password=%s sslmode=disable",
		config.host, config.dbName, config.user, config.password)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	src := NewPostgresSourceFromDB(db)

	exists, err := src.verifyTableExists(context.Background(), Table)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify table: %w", err)
	}
	if !exists {
		db.Close()
		return nil, fmt.Errorf("event table %s does not exist", pq.QuoteIdentifier(Table))
	}

	return src, nil
}

// NewPostgresSourceFromDB wraps an already opened database.
func NewPostgresSourceFromDB(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db, logger: slog.Default()}
}

type PostgresDBParams struct {
	dbName, host, user, password string
}

type PostgresSource struct {
	db     *sql.DB
	logger *slog.Logger
}

func (s *PostgresSource) Close() error {
	return s.db.Close()
}

func (s *PostgresSource) Fetch(ctx context.Context, since store.Sequence) (<-chan store.EventRecord, <-chan error) {
	outEvent := make(chan store.EventRecord)
	outError := make(chan error, 1)

	go func() {
		defer close(outEvent)
		defer close(outError)

		var (
			rows *sql.Rows
			err  error
		)
		if since.IsZero() {
			rows, err = s.db.QueryContext(ctx, fmt.Sprintf(
				`select block_number, log_index, kind, entity_key, payload from %s order by block_number, log_index`,
				pq.QuoteIdentifier(Table)))
		} else {
			rows, err = s.db.QueryContext(ctx, fmt.Sprintf(
				`select block_number, log_index, kind, entity_key, payload from %s where (block_number, log_index) > ($1, $2) order by block_number, log_index`,
				pq.QuoteIdentifier(Table)),
				since.Block, since.LogIndex)
		}
		if err != nil {
			outError <- fmt.Errorf("%w: sql query error: %w", ErrSourceUnavailable, err)
			return
		}

		defer rows.Close()

		for rows.Next() {
			var (
				e       store.EventRecord
				kind    string
				payload sql.NullString
			)
			if err := rows.Scan(
				&e.Sequence.Block,
				&e.Sequence.LogIndex,
				&kind,
				&e.Key,
				&payload,
			); err != nil {
				outError <- fmt.Errorf("%w: error reading row: %w", ErrSourceUnavailable, err)
				return
			}

			e.Kind = store.ToKind(kind)
			if payload.Valid && payload.String != "" {
				if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
					s.logger.Warn("ignoring unparseable payload",
						"key", e.Key, "sequence", e.Sequence.String(), "error", err)
					e.Payload = nil
				}
			}

			if err := emit(ctx, outEvent, e); err != nil {
				outError <- err
				return
			}
		}

		if err := rows.Err(); err != nil {
			outError <- fmt.Errorf("%w: error reading rows: %w", ErrSourceUnavailable, err)
			return
		}
	}()

	return outEvent, outError
}

func (s *PostgresSource) verifyTableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	row := s.db.QueryRowContext(ctx, `SELECT EXISTS (
						   SELECT FROM information_schema.tables
						   WHERE  table_schema = 'public'
						   AND    table_name   = $1
						   );`,
		table)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}

	return exists, nil
}
