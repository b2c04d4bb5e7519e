package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ftlbridge/pkg/ftl"
)

// Schema creates the tables the Postgres control plane reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS channels (
	id        BIGINT PRIMARY KEY,
	hmac_key  TEXT NOT NULL,
	disabled  BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS streams (
	id                BIGSERIAL PRIMARY KEY CHECK (id <= 4294967295),
	channel_id        BIGINT NOT NULL REFERENCES channels(id),
	started_at        TIMESTAMPTZ NOT NULL,
	ended_at          TIMESTAMPTZ,
	ingest_server     TEXT NOT NULL DEFAULT '',
	vendor_name       TEXT NOT NULL DEFAULT '',
	vendor_version    TEXT NOT NULL DEFAULT '',
	video_codec       TEXT NOT NULL DEFAULT '',
	video_width       INTEGER NOT NULL DEFAULT 0,
	video_height      INTEGER NOT NULL DEFAULT 0,
	audio_codec       TEXT NOT NULL DEFAULT '',
	bitrate_bps       BIGINT NOT NULL DEFAULT 0,
	packets_received  BIGINT NOT NULL DEFAULT 0,
	packets_lost      BIGINT NOT NULL DEFAULT 0,
	packets_nacked    BIGINT NOT NULL DEFAULT 0,
	end_requested     BOOLEAN NOT NULL DEFAULT FALSE
);
`

// queryer is the subset of *pgxpool.Pool the control plane uses.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is a control plane backed by the channels and streams tables.
// Setting streams.end_requested asks the bridge to stop a stream at its
// next metadata report.
type Postgres struct {
	db     queryer
	pool   *pgxpool.Pool
	now    func() time.Time
	logger *slog.Logger
}

// NewPostgres opens a connection pool for dsn and verifies it with a ping.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres control plane: dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := newPostgres(pool, logger)
	p.pool = pool
	return p, nil
}

func newPostgres(db queryer, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{
		db:     db,
		now:    time.Now,
		logger: logger.With("service", "postgres"),
	}
}

// EnsureSchema creates missing tables.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) AuthorizeChannel(ctx context.Context, channel ftl.ChannelID) ([]byte, error) {
	var key string
	err := p.db.QueryRow(ctx, `SELECT hmac_key FROM channels WHERE id = $1`, int64(channel)).Scan(&key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ftl.ErrChannelNotFound, channel)
		}
		return nil, fmt.Errorf("select channel: %w", err)
	}
	return []byte(key), nil
}

func (p *Postgres) RegisterStreamStart(ctx context.Context, channel ftl.ChannelID, md ftl.MediaMetadata) (ftl.StreamID, error) {
	var id int64
	err := p.db.QueryRow(ctx, `
INSERT INTO streams (channel_id, started_at, vendor_name, vendor_version, video_codec, video_width, video_height, audio_codec)
SELECT id, $2, $3, $4, $5, $6, $7, $8
FROM channels
WHERE id = $1 AND NOT disabled
RETURNING id
`, int64(channel), p.now().UTC(), md.VendorName, md.VendorVersion,
		md.VideoCodec, int64(md.VideoWidth), int64(md.VideoHeight), md.AudioCodec).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: channel %d disabled or missing", ftl.ErrStreamRejected, channel)
		}
		return 0, fmt.Errorf("insert stream: %w", err)
	}
	if id <= 0 || id > int64(^uint32(0)) {
		// FTL stream ids are 32 bits; close the row so it is not left open.
		if _, err := p.db.Exec(ctx, `UPDATE streams SET ended_at = $2 WHERE id = $1`, id, p.now().UTC()); err != nil {
			p.logger.Warn("Failed to close out-of-range stream row", "id", id, "err", err)
		}
		return 0, fmt.Errorf("stream id %d out of range", id)
	}
	return ftl.StreamID(id), nil
}

func (p *Postgres) UpdateStreamMetadata(ctx context.Context, stream ftl.StreamID, md ftl.StreamMetadata) (ftl.ServiceResponse, error) {
	var endRequested bool
	err := p.db.QueryRow(ctx, `
UPDATE streams SET
	ingest_server = $2,
	video_codec = $3,
	video_width = $4,
	video_height = $5,
	audio_codec = $6,
	bitrate_bps = $7,
	packets_received = $8,
	packets_lost = $9,
	packets_nacked = $10
WHERE id = $1
RETURNING end_requested
`, int64(stream), md.IngestServer, md.VideoCodec, int64(md.VideoWidth), int64(md.VideoHeight), md.AudioCodec,
		int64(md.IngestBitrateBps), int64(md.PacketsReceived), int64(md.PacketsLost), int64(md.PacketsNacked)).Scan(&endRequested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// 스트림 행이 사라졌으면 종료 요청으로 취급
			p.logger.Warn("Stream row missing", "streamId", stream)
			return ftl.ServiceResponse{EndStream: true}, nil
		}
		return ftl.ServiceResponse{}, fmt.Errorf("update stream: %w", err)
	}
	return ftl.ServiceResponse{EndStream: endRequested}, nil
}

func (p *Postgres) RegisterStreamEnd(ctx context.Context, stream ftl.StreamID) error {
	tag, err := p.db.Exec(ctx, `UPDATE streams SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL`, int64(stream), p.now().UTC())
	if err != nil {
		return fmt.Errorf("end stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("end stream: stream %d not found or already ended", stream)
	}
	return nil
}
