// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	_ "github.com/lib/pq" // postgres driver
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// =============================================================================
// Configuration
// =============================================================================

// PostgresConfig configures the pgvector-backed store.
type PostgresConfig struct {
	// DSN is a lib/pq connection string or postgres:// URL.
	DSN string

	// Dimension is the embedding width used for the vector columns.
	Dimension int

	// MaxOpenConns bounds the pool. Default: 10.
	MaxOpenConns int

	// MaxIdleConns is the number of connections kept warm. Default: 1.
	MaxIdleConns int

	// ConnMaxLifetime recycles connections. Default: 30m.
	ConnMaxLifetime time.Duration
}

func (c *PostgresConfig) applyDefaults() {
	if c.Dimension <= 0 {
		c.Dimension = 1536
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 1
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
}

// =============================================================================
// Store
// =============================================================================

// PostgresStore implements KnowledgeStore on Postgres with pgvector.
//
// # Description
//
// Uses a bounded database/sql pool. Every call checks a connection out for
// the duration of one statement (or one transaction) and returns it on all
// exit paths. Vectors are passed as pgvector text literals and cast with
// ::vector server-side.
//
// # Assumptions
//
//   - The vector extension is installable by the connecting role, or is
//     already installed (see EnsureSchema).
type PostgresStore struct {
	db        *sql.DB
	dimension int
}

var _ KnowledgeStore = (*PostgresStore)(nil)

// NewPostgresStore opens the pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	cfg.applyDefaults()

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Postgres knowledge store connected",
		"max_open_conns", cfg.MaxOpenConns,
		"dimension", cfg.Dimension)
	return &PostgresStore{db: db, dimension: cfg.Dimension}, nil
}

// EnsureSchema creates the extension, tables and indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "postgres_store.ensure_schema")
	defer span.End()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_entries (
			id SERIAL PRIMARY KEY,
			channel_id TEXT NOT NULL,
			thread_ts TEXT NOT NULL,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(channel_id, thread_ts)
		)`, s.dimension),
		`CREATE INDEX IF NOT EXISTS knowledge_entries_embedding_idx
			ON knowledge_entries USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS file_attachments (
			id SERIAL PRIMARY KEY,
			channel_id TEXT NOT NULL,
			thread_ts TEXT NOT NULL,
			user_id TEXT NOT NULL,
			file_name TEXT NOT NULL,
			file_type TEXT NOT NULL,
			file_url TEXT NOT NULL,
			content_summary TEXT NOT NULL,
			content_text TEXT,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.dimension),
		`CREATE INDEX IF NOT EXISTS file_attachments_embedding_idx
			ON file_attachments USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
		`CREATE INDEX IF NOT EXISTS file_attachments_thread_idx
			ON file_attachments (channel_id, thread_ts)`,
	}

	return s.execInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "schema migration failed")
				return fmt.Errorf("schema migration failed: %w", err)
			}
		}
		return nil
	})
}

// SaveKnowledge upserts an entry keyed by (channel_id, thread_ts).
func (s *PostgresStore) SaveKnowledge(ctx context.Context, entry *datatypes.KnowledgeEntry) (int64, error) {
	ctx, span := tracer.Start(ctx, "postgres_store.save_knowledge")
	defer span.End()
	span.SetAttributes(attribute.String("channel_id", entry.ChannelID))

	if err := s.checkDimension(entry.Embedding); err != nil {
		return 0, err
	}

	// updated_at strictly increases even when two saves land in the same
	// clock tick.
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO knowledge_entries (channel_id, thread_ts, user_id, content, embedding)
		VALUES ($1, $2, $3, $4, $5::vector)
		ON CONFLICT (channel_id, thread_ts) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			updated_at = GREATEST(NOW(), knowledge_entries.updated_at + INTERVAL '1 microsecond')
		RETURNING id`,
		entry.ChannelID, entry.ThreadTS, entry.UserID, entry.Content, formatVector(entry.Embedding),
	).Scan(&id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save knowledge failed")
		return 0, fmt.Errorf("failed to save knowledge entry: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetEntryByThread(ctx context.Context, channelID, threadTS string) (*datatypes.KnowledgeEntry, error) {
	ctx, span := tracer.Start(ctx, "postgres_store.get_entry_by_thread")
	defer span.End()

	var e datatypes.KnowledgeEntry
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, thread_ts, user_id, content, created_at, updated_at
		FROM knowledge_entries WHERE channel_id = $1 AND thread_ts = $2`,
		channelID, threadTS,
	).Scan(&id, &e.ChannelID, &e.ThreadTS, &e.UserID, &e.Content, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load knowledge entry: %w", err)
	}
	e.ID = &id
	return &e, nil
}

// FindSimilarEntries returns entries with 1 - cosine_distance > threshold.
func (s *PostgresStore) FindSimilarEntries(ctx context.Context, embedding []float32, threshold float64, limit int) ([]ScoredEntry, error) {
	ctx, span := tracer.Start(ctx, "postgres_store.find_similar_entries")
	defer span.End()
	span.SetAttributes(attribute.Float64("threshold", threshold), attribute.Int("limit", limit))

	if err := s.checkDimension(embedding); err != nil {
		return nil, err
	}
	if isZeroVector(embedding) {
		// Postgres orders NaN above every number, so a zero query vector
		// would match every row.
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, thread_ts, user_id, content, created_at, updated_at,
			1 - (embedding <=> $1::vector) AS similarity
		FROM knowledge_entries
		WHERE 1 - (embedding <=> $1::vector) > $2
		ORDER BY similarity DESC
		LIMIT $3`,
		formatVector(embedding), threshold, limit,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "similarity query failed")
		return nil, fmt.Errorf("failed to query similar entries: %w", err)
	}
	defer rows.Close()

	var out []ScoredEntry
	for rows.Next() {
		var se ScoredEntry
		var id int64
		if err := rows.Scan(&id, &se.Entry.ChannelID, &se.Entry.ThreadTS, &se.Entry.UserID,
			&se.Entry.Content, &se.Entry.CreatedAt, &se.Entry.UpdatedAt, &se.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge entry: %w", err)
		}
		se.Entry.ID = &id
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate knowledge entries: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveFileAttachment(ctx context.Context, file *datatypes.FileAttachment) (int64, error) {
	ctx, span := tracer.Start(ctx, "postgres_store.save_file_attachment")
	defer span.End()

	if err := s.checkDimension(file.Embedding); err != nil {
		return 0, err
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO file_attachments
			(channel_id, thread_ts, user_id, file_name, file_type, file_url, content_summary, content_text, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector)
		RETURNING id`,
		file.ChannelID, file.ThreadTS, file.UserID, file.FileName, string(file.FileType),
		file.FileURL, file.ContentSummary, nullString(file.ContentText), formatVector(file.Embedding),
	).Scan(&id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save file failed")
		return 0, fmt.Errorf("failed to save file attachment: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetFilesByThread(ctx context.Context, channelID, threadTS string) ([]datatypes.FileAttachment, error) {
	ctx, span := tracer.Start(ctx, "postgres_store.get_files_by_thread")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, thread_ts, user_id, file_name, file_type, file_url,
			content_summary, content_text, created_at
		FROM file_attachments WHERE channel_id = $1 AND thread_ts = $2
		ORDER BY id`,
		channelID, threadTS,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query file attachments: %w", err)
	}
	defer rows.Close()

	var out []datatypes.FileAttachment
	for rows.Next() {
		f, err := scanFile(rows, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FindSimilarFiles returns attachments with 1 - cosine_distance > threshold.
func (s *PostgresStore) FindSimilarFiles(ctx context.Context, embedding []float32, threshold float64, limit int) ([]ScoredFile, error) {
	ctx, span := tracer.Start(ctx, "postgres_store.find_similar_files")
	defer span.End()

	if err := s.checkDimension(embedding); err != nil {
		return nil, err
	}
	if isZeroVector(embedding) {
		// Postgres orders NaN above every number, so a zero query vector
		// would match every row.
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, thread_ts, user_id, file_name, file_type, file_url,
			content_summary, content_text, created_at,
			1 - (embedding <=> $1::vector) AS similarity
		FROM file_attachments
		WHERE 1 - (embedding <=> $1::vector) > $2
		ORDER BY similarity DESC
		LIMIT $3`,
		formatVector(embedding), threshold, limit,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "similarity query failed")
		return nil, fmt.Errorf("failed to query similar files: %w", err)
	}
	defer rows.Close()

	var out []ScoredFile
	for rows.Next() {
		var sim float64
		f, err := scanFile(rows, &sim)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredFile{File: f, Similarity: sim})
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Helpers
// =============================================================================

func (s *PostgresStore) checkDimension(v []float32) error {
	if len(v) != s.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), s.dimension)
	}
	return nil
}

// execInTx runs fn in a transaction, committing on nil and rolling back on
// error or panic.
func (s *PostgresStore) execInTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner, similarity *float64) (datatypes.FileAttachment, error) {
	var f datatypes.FileAttachment
	var id int64
	var fileType string
	var contentText sql.NullString
	dest := []any{&id, &f.ChannelID, &f.ThreadTS, &f.UserID, &f.FileName, &fileType, &f.FileURL,
		&f.ContentSummary, &contentText, &f.CreatedAt}
	if similarity != nil {
		dest = append(dest, similarity)
	}
	if err := row.Scan(dest...); err != nil {
		return f, fmt.Errorf("failed to scan file attachment: %w", err)
	}
	f.ID = &id
	f.FileType = datatypes.FileType(fileType)
	f.ContentText = contentText.String
	return f, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
