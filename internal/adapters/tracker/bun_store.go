// Package tracker persists reading positions and protection incidents in a
// local SQLite database.
package tracker

import (
	"context"
	"database/sql"
	"docviewer/internal/core/domain/models"
	"docviewer/internal/core/domain/ports"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/schema"
)

var (
	_ ports.ReadingStateStore = (*Store)(nil)
	_ ports.IncidentLog       = (*Store)(nil)
)

type readingPosition struct {
	bun.BaseModel `bun:"table:reading_positions,alias:rp"`

	DocumentID string    `bun:",pk"`
	Page       int       `bun:",notnull"`
	Scale      string    `bun:",notnull"`
	UpdatedAt  time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

type incident struct {
	bun.BaseModel `bun:"table:protection_incidents,alias:pi"`

	ID         string    `bun:",pk"`
	SessionID  string    `bun:",notnull"`
	DocumentID string    `bun:",nullzero"`
	Kind       string    `bun:",notnull"`
	Attempt    int       `bun:",notnull"`
	CreatedAt  time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

type Store struct {
	db *bun.DB
}

// Open opens the SQLite database at dsn through the sqliteshim driver.
func Open(dsn string) (*Store, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	sqldb.SetMaxOpenConns(1)
	store, err := NewStore(sqldb, sqlitedialect.New())
	if err != nil {
		sqldb.Close()
		return nil, err
	}
	return store, nil
}

func NewStore(db *sql.DB, dialect schema.Dialect) (*Store, error) {
	bunDB := bun.NewDB(db, dialect)
	store := &Store{db: bunDB}

	ctx := context.Background()
	if _, err := bunDB.NewCreateTable().Model((*readingPosition)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create reading_positions table: %w", err)
	}
	if _, err := bunDB.NewCreateTable().Model((*incident)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create protection_incidents table: %w", err)
	}
	if _, err := bunDB.NewCreateIndex().Model((*incident)(nil)).Index("protection_incidents_document_idx").
		Column("document_id", "created_at").IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create incident index: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SavePosition upserts the last position for a document.
func (s *Store) SavePosition(ctx context.Context, pos models.ReadingPosition) error {
	if pos.DocumentID == "" {
		return fmt.Errorf("reading position has no document id")
	}
	updated := pos.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	row := &readingPosition{
		DocumentID: pos.DocumentID,
		Page:       pos.Page,
		Scale:      pos.Scale.String(),
		UpdatedAt:  updated,
	}
	_, err := s.db.NewInsert().Model(row).
		On("CONFLICT (document_id) DO UPDATE").
		Set("page = EXCLUDED.page").
		Set("scale = EXCLUDED.scale").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// LastPosition returns models.ErrNotFound if the document was never read.
func (s *Store) LastPosition(ctx context.Context, documentID string) (models.ReadingPosition, error) {
	row := new(readingPosition)
	if err := s.db.NewSelect().Model(row).Where("document_id = ?", documentID).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ReadingPosition{}, models.ErrNotFound
		}
		return models.ReadingPosition{}, err
	}

	scale, err := models.ParseScale(row.Scale)
	if err != nil {
		scale = models.NumericScale(1)
	}
	return models.ReadingPosition{
		DocumentID: row.DocumentID,
		Page:       row.Page,
		Scale:      scale,
		UpdatedAt:  row.UpdatedAt,
	}, nil
}

func (s *Store) RecordIncident(ctx context.Context, in models.Incident) error {
	row := &incident{
		ID:         in.ID,
		SessionID:  in.SessionID,
		DocumentID: in.DocumentID,
		Kind:       string(in.Kind),
		Attempt:    in.Attempt,
		CreatedAt:  in.CreatedAt,
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NewInsert().Model(row).Exec(ctx)
	return err
}

// ListIncidents returns the newest incidents first. An empty documentID
// lists every document.
func (s *Store) ListIncidents(ctx context.Context, documentID string, limit int) ([]models.Incident, error) {
	var rows []incident
	q := s.db.NewSelect().Model(&rows).Order("created_at DESC")
	if documentID != "" {
		q = q.Where("document_id = ?", documentID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	out := make([]models.Incident, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Incident{
			ID:         r.ID,
			SessionID:  r.SessionID,
			DocumentID: r.DocumentID,
			Kind:       models.IncidentKind(r.Kind),
			Attempt:    r.Attempt,
			CreatedAt:  r.CreatedAt,
		})
	}
	return out, nil
}
