package deltasync

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SyncState is one row of the sync_states table.
type SyncState struct {
	OperationHash string    `gorm:"primaryKey;size:128"`
	LastSyncAt    time.Time `gorm:"not null"`
	UpdatedAt     time.Time
}

func (SyncState) TableName() string { return "sync_states" }

type SQLConfig struct {
	Dialect    string `mapstructure:"dialect" default:"sqlite" validate:"omitempty,oneof=sqlite sqlite3 postgres postgresql mysql"`
	Datasource string `mapstructure:"datasource" default:"file:ultrasync.db"`
	Migrate    bool   `mapstructure:"migrate" default:"true"`
}

// SQLStore keeps sync times in a relational database through gorm.
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenSQLStore opens the configured database and applies the embedded
// migrations when cfg.Migrate is set.
func OpenSQLStore(ctx context.Context, cfg SQLConfig, logger *zap.Logger) (*SQLStore, error) {
	db, err := gorm.Open(NewDialector(cfg), &gorm.Config{
		DisableAutomaticPing: true,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: false,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("deltasync: open database: %w", err)
	}
	if cfg.Migrate {
		if err := Migrate(ctx, db, cfg.Dialect, logger); err != nil {
			return nil, err
		}
	}
	return NewSQLStore(db), nil
}

func (s *SQLStore) Load(ctx context.Context, hash string) (time.Time, bool, error) {
	var row SyncState
	err := s.db.WithContext(ctx).Where("operation_hash = ?", hash).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("deltasync: load %s: %w", hash, err)
	}
	return row.LastSyncAt.UTC(), true, nil
}

func (s *SQLStore) Save(ctx context.Context, hash string, t time.Time) error {
	row := SyncState{
		OperationHash: hash,
		LastSyncAt:    t.UTC().Truncate(time.Millisecond),
		UpdatedAt:     time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "operation_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sync_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("deltasync: save %s: %w", hash, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func NewDialector(cfg SQLConfig) gorm.Dialector {
	switch strings.ToLower(strings.TrimSpace(cfg.Dialect)) {
	case "postgres", "postgresql":
		return postgres.Open(cfg.Datasource)
	case "mysql":
		return mysql.Open(cfg.Datasource)
	default:
		return sqlite.Open(cfg.Datasource)
	}
}

// ParseDialect maps a config dialect to its goose name.
func ParseDialect(d string) string {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "", "sqlite", "sqlite3":
		return "sqlite3"
	case "postgresql":
		return "postgres"
	default:
		return strings.ToLower(strings.TrimSpace(d))
	}
}

// Migrate applies the embedded sync_states migrations.
func Migrate(ctx context.Context, db *gorm.DB, dialect string, logger *zap.Logger) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	goose.SetBaseFS(sub)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(ParseDialect(dialect)); err != nil {
		return fmt.Errorf("deltasync: migration dialect: %w", err)
	}
	goose.SetLogger(newGooseLogger(logger))

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("deltasync: migrate: %w", err)
	}
	return nil
}

type gooseLogger struct {
	logger *zap.SugaredLogger
}

var _ goose.Logger = (*gooseLogger)(nil)

func newGooseLogger(logger *zap.Logger) goose.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &gooseLogger{logger: logger.Named("migrate").Sugar()}
}

func (l *gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Errorf(format, v...)
}

func (l *gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Debugf(format, v...)
}
