package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// messageRow is the table layout of a stored message.
type messageRow struct {
	Seq        uint      `gorm:"primarykey;autoIncrement"`
	ID         string    `gorm:"uniqueIndex;size:36;not null"`
	TempID     string    `gorm:"size:64"`
	SenderID   string    `gorm:"size:36;not null"`
	SenderName string    `gorm:"size:100;not null"`
	Content    string    `gorm:"not null"`
	Type       string    `gorm:"size:16;not null;default:text"`
	Timestamp  time.Time `gorm:"index;not null"`
}

// TableName returns the table name for stored messages.
func (messageRow) TableName() string {
	return "messages"
}

// GormLog stores records through GORM.
type GormLog struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) a SQLite database at path and
// returns a migrated GormLog. Use ":memory:" for a throwaway database.
func OpenSQLite(path string, verbose bool) (*GormLog, error) {
	logLevel := logger.Silent
	if verbose {
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite serialises writers; ":memory:" databases also vanish per connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return NewGormLog(db)
}

// NewGormLog migrates the messages table on db and wraps it.
func NewGormLog(db *gorm.DB) (*GormLog, error) {
	if err := db.AutoMigrate(&messageRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate messages table: %w", err)
	}
	return &GormLog{db: db}, nil
}

// Append implements Log.
func (l *GormLog) Append(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	row := messageRow{
		ID:         rec.ID,
		TempID:     rec.TempID,
		SenderID:   rec.SenderID,
		SenderName: rec.SenderName,
		Content:    rec.Content,
		Type:       rec.Type,
		Timestamp:  rec.Timestamp,
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("failed to append message: %w", err)
	}
	return row.ID, nil
}

// ListRecent implements Log.
func (l *GormLog) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	query := l.db.WithContext(ctx).Order("seq DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []messageRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	records := make([]Record, len(rows))
	for i, row := range rows {
		records[len(rows)-1-i] = Record{
			ID:         row.ID,
			TempID:     row.TempID,
			SenderID:   row.SenderID,
			SenderName: row.SenderName,
			Content:    row.Content,
			Type:       row.Type,
			Timestamp:  row.Timestamp,
		}
	}
	return records, nil
}

// Close implements Log.
func (l *GormLog) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("failed to access database handle: %w", err)
	}
	return sqlDB.Close()
}
