package artifact

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const insertBatchSize = 100

// PostgresStore is the GORM-backed artifact store.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore connects to the artifact database and migrates the
// artifact tables.
func NewPostgresStore(pgURL string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(pgURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to artifact database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access underlying database: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Element{}, &Entity{}, &Relationship{}); err != nil {
		return nil, fmt.Errorf("failed to migrate artifact tables: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// PutElements stores extracted elements, silently skipping rows that already
// exist.
func (s *PostgresStore) PutElements(ctx context.Context, elements []Element) error {
	if len(elements) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(elements, insertBatchSize)
	if result.Error != nil {
		return fmt.Errorf("failed to store elements: %w", result.Error)
	}
	return nil
}

// PutEntities stores recognized entities, silently skipping rows that
// already exist.
func (s *PostgresStore) PutEntities(ctx context.Context, entities []Entity) error {
	if len(entities) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(entities, insertBatchSize)
	if result.Error != nil {
		return fmt.Errorf("failed to store entities: %w", result.Error)
	}
	return nil
}

// PutRelationships stores detected relationships, silently skipping rows
// that already exist.
func (s *PostgresStore) PutRelationships(ctx context.Context, relationships []Relationship) error {
	if len(relationships) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(relationships, insertBatchSize)
	if result.Error != nil {
		return fmt.Errorf("failed to store relationships: %w", result.Error)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to access underlying database: %w", err)
	}
	return sqlDB.Close()
}
