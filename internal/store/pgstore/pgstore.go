// Package pgstore persists message records in PostgreSQL via bun.
package pgstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/parley-chat/parley/internal/store"
)

type messageRow struct {
	bun.BaseModel `bun:"table:parley_messages,alias:m"`

	ID         string    `bun:"id,pk"`
	SenderID   string    `bun:"sender_id,notnull"`
	ReceiverID string    `bun:"receiver_id,notnull"`
	Ciphertext []byte    `bun:"ciphertext,notnull"`
	IV         []byte    `bun:"iv,notnull"`
	MAC        []byte    `bun:"mac,notnull"`
	Signature  []byte    `bun:"signature"`
	EnvelopeTS int64     `bun:"envelope_ts,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
	Status     string    `bun:"status,notnull"`
}

// Store is the bun-backed message store.
type Store struct {
	db *bun.DB
}

// Open connects to PostgreSQL with the provided DSN.
func Open(dsn string) *Store {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return &Store{db: bun.NewDB(sqldb, pgdialect.New())}
}

// NewWithDB wraps an existing bun handle (used by tests).
func NewWithDB(db *bun.DB) *Store {
	return &Store{db: db}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "pgstore.Ping")
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSchema creates the messages table and the participant-pair index.
func (s *Store) CreateSchema(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().Model((*messageRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return errors.Wrap(err, "pgstore.CreateSchema.CreateTable")
	}
	if _, err := s.db.NewCreateIndex().
		Model((*messageRow)(nil)).
		Index("parley_messages_pair_idx").
		IfNotExists().
		Column("sender_id", "receiver_id").
		ColumnExpr("created_at DESC").
		Exec(ctx); err != nil {
		return errors.Wrap(err, "pgstore.CreateSchema.CreateIndex")
	}
	return nil
}

// Append inserts a single record atomically.
func (s *Store) Append(ctx context.Context, rec *store.Record) error {
	if rec == nil || rec.SenderID == "" || rec.ReceiverID == "" {
		return store.ErrInvalidRecord
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = store.StatusSent
	}

	row := toRow(rec)
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return errors.Wrap(err, "pgstore.Append.Insert")
	}
	return nil
}

// QueryRecent fetches the newest records involving the identity.
func (s *Store) QueryRecent(ctx context.Context, identityID string, limit int) ([]store.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	var rows []messageRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("sender_id = ? OR receiver_id = ?", identityID, identityID).
		OrderExpr("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "pgstore.QueryRecent.Scan")
	}

	out := make([]store.Record, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

// UpdateStatus advances the record status inside a transaction, refusing
// regressions.
func (s *Store) UpdateStatus(ctx context.Context, id string, status store.Status) error {
	if !status.Valid() {
		return store.ErrInvalidRecord
	}

	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var current string
		err := tx.NewSelect().
			Model((*messageRow)(nil)).
			Column("status").
			Where("id = ?", id).
			For("UPDATE").
			Scan(ctx, &current)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "pgstore.UpdateStatus.Select")
		}
		if !store.Status(current).CanAdvanceTo(status) {
			return store.ErrStatusRegression
		}
		if _, err := tx.NewUpdate().
			Model((*messageRow)(nil)).
			Set("status = ?", string(status)).
			Where("id = ?", id).
			Exec(ctx); err != nil {
			return errors.Wrap(err, "pgstore.UpdateStatus.Update")
		}
		return nil
	})
}

func toRow(rec *store.Record) *messageRow {
	return &messageRow{
		ID:         rec.ID,
		SenderID:   rec.SenderID,
		ReceiverID: rec.ReceiverID,
		Ciphertext: rec.Envelope.Ciphertext,
		IV:         rec.Envelope.IV,
		MAC:        rec.Envelope.MAC,
		Signature:  rec.Envelope.Signature,
		EnvelopeTS: rec.Envelope.Timestamp,
		CreatedAt:  rec.CreatedAt,
		Status:     string(rec.Status),
	}
}

func fromRow(row *messageRow) store.Record {
	rec := store.Record{
		ID:         row.ID,
		SenderID:   row.SenderID,
		ReceiverID: row.ReceiverID,
		CreatedAt:  row.CreatedAt,
		Status:     store.Status(row.Status),
	}
	rec.Envelope.Ciphertext = row.Ciphertext
	rec.Envelope.IV = row.IV
	rec.Envelope.MAC = row.MAC
	rec.Envelope.Signature = row.Signature
	rec.Envelope.Timestamp = row.EnvelopeTS
	return rec
}
