package pgvector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/poiesic/handbook/core"
	"github.com/poiesic/handbook/storage"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// passageRow is the table layout for stored passages.
// IDs are stored as the signed bit pattern of core.ID since Postgres has no unsigned bigint.
type passageRow struct {
	Collection string          `gorm:"primaryKey;type:text"`
	ID         int64           `gorm:"primaryKey;autoIncrement:false"`
	Source     string          `gorm:"type:text;not null"`
	Position   int             `gorm:"column:position;not null"`
	Body       string          `gorm:"column:body;type:text;not null"`
	Embedding  pgvector.Vector `gorm:"type:vector;not null"`
	InsertedAt time.Time       `gorm:"not null"`
}

func (passageRow) TableName() string {
	return "handbook_passages"
}

type scoredRow struct {
	passageRow
	Score float32
}

// Store implements storage.PassageStore on PostgreSQL with the pgvector extension.
type Store struct {
	db         *gorm.DB
	collection string
	logger     *slog.Logger
}

var _ storage.PassageStore = (*Store)(nil)

// Open connects to Postgres, enables the vector extension and migrates the passage table.
func Open(dsn, collection string) (storage.PassageStore, error) {
	logger := slog.Default().With("component", "pgvector", "collection", collection)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: &gormLoggerAdapter{logger: logger, slowThreshold: 200 * time.Millisecond},
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, err
	}
	return NewStore(db, collection)
}

// Migrate creates the vector extension and the passage table.
func Migrate(db *gorm.DB) error {
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("enable pgvector: %w", err)
	}
	if err := db.AutoMigrate(&passageRow{}); err != nil {
		return fmt.Errorf("migrate passages: %w", err)
	}
	return nil
}

// NewStore wraps an existing gorm connection. The schema must already be migrated.
func NewStore(db *gorm.DB, collection string) (storage.PassageStore, error) {
	if db == nil {
		return nil, errors.New("gorm db required")
	}
	if collection == "" {
		return nil, errors.New("collection name required")
	}
	return &Store{
		db:         db,
		collection: collection,
		logger:     slog.Default().With("component", "pgvector", "collection", collection),
	}, nil
}

// Upsert inserts passages, overwriting rows with the same collection and ID.
func (s *Store) Upsert(ctx context.Context, passages ...*core.Passage) error {
	if len(passages) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]passageRow, len(passages))
	for i, passage := range passages {
		if passage.InsertedAt.IsZero() {
			passage.InsertedAt = now
		}
		if err := core.ValidatePassage(passage); err != nil {
			return err
		}
		rows[i] = toRow(s.collection, passage)
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
			UpdateAll: true,
		}).
		Create(&rows).Error
}

// SearchTopK orders by cosine distance and reports 1 - distance as the score.
func (s *Store) SearchTopK(ctx context.Context, vector []float32, k int) ([]*core.SearchResult, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, storage.ErrInvalidQuery
	}
	query := pgvector.NewVector(vector)

	var rows []scoredRow
	err := s.db.WithContext(ctx).
		Model(&passageRow{}).
		Select("*, 1 - (embedding <=> ?) AS score", query).
		Where("collection = ?", s.collection).
		Order(gorm.Expr("embedding <=> ?", query)).
		Limit(k).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	results := make([]*core.SearchResult, len(rows))
	for i := range rows {
		results[i] = &core.SearchResult{
			Passage: fromRow(&rows[i].passageRow),
			Score:   rows[i].Score,
		}
	}
	return results, nil
}

// Count returns the number of rows in the collection.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&passageRow{}).
		Where("collection = ?", s.collection).
		Count(&count).Error
	return int(count), err
}

// Scan pages through the collection in ID order.
func (s *Store) Scan(ctx context.Context, batchSize int, fn func([]*core.Passage) error) error {
	if batchSize <= 0 {
		return storage.ErrInvalidQuery
	}

	first := true
	var lastID int64
	for {
		q := s.db.WithContext(ctx).Where("collection = ?", s.collection)
		if !first {
			q = q.Where("id > ?", lastID)
		}
		var rows []passageRow
		if err := q.Order("id").Limit(batchSize).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		batch := make([]*core.Passage, len(rows))
		for i := range rows {
			batch[i] = fromRow(&rows[i])
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(rows) < batchSize {
			return nil
		}
		first = false
		lastID = rows[len(rows)-1].ID
	}
}

// Clear deletes every row in the collection.
func (s *Store) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Where("collection = ?", s.collection).
		Delete(&passageRow{}).Error
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(collection string, passage *core.Passage) passageRow {
	return passageRow{
		Collection: collection,
		ID:         int64(passage.Id),
		Source:     passage.Source,
		Position:   passage.Index,
		Body:       passage.Text,
		Embedding:  pgvector.NewVector(passage.Vector),
		InsertedAt: passage.InsertedAt,
	}
}

func fromRow(row *passageRow) *core.Passage {
	return &core.Passage{
		Id:         core.ID(uint64(row.ID)),
		Source:     row.Source,
		Index:      row.Position,
		Text:       row.Body,
		Vector:     row.Embedding.Slice(),
		InsertedAt: row.InsertedAt,
	}
}
