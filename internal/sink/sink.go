// Package sink ingests stitched index rows into a PostgreSQL table so
// dashboards can query them without reading the CSV outputs.
package sink

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/chrissnell/climatepipe/internal/stitch"
)

const batchSize = 1000

// ClimateIndex is one stored value. Missing values are stored as NULL.
type ClimateIndex struct {
	Region    string    `gorm:"primaryKey;column:region"`
	Zone      string    `gorm:"primaryKey;column:zone"`
	Metric    string    `gorm:"primaryKey;column:metric"`
	Date      time.Time `gorm:"primaryKey;column:date;type:date"`
	Value     *float64  `gorm:"column:value"`
	RunID     string    `gorm:"column:run_id"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for ClimateIndex
func (ClimateIndex) TableName() string {
	return "climate_index"
}

// Sink writes rows into the climate_index table.
type Sink struct {
	db     *gorm.DB
	runID  string
	logger *zap.SugaredLogger
}

// Open connects to PostgreSQL and creates the table if needed.
func Open(dsn, runID string, zl *zap.Logger) (*Sink, error) {
	dbLogger := logger.New(
		zap.NewStdLog(zl),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: dbLogger})
	if err != nil {
		return nil, fmt.Errorf("unable to connect to sink database: %w", err)
	}
	if err := db.AutoMigrate(&ClimateIndex{}); err != nil {
		return nil, fmt.Errorf("unable to migrate climate_index: %w", err)
	}
	return &Sink{db: db, runID: runID, logger: zl.Sugar().Named("sink")}, nil
}

// Records converts rows to table records for region.
func Records(region, runID string, rows []stitch.Row, now time.Time) []ClimateIndex {
	out := make([]ClimateIndex, len(rows))
	for i, r := range rows {
		out[i] = ClimateIndex{
			Region:    region,
			Zone:      r.Zone,
			Metric:    r.Metric,
			Date:      r.Date,
			RunID:     runID,
			UpdatedAt: now,
		}
		if !math.IsNaN(r.Value) {
			v := r.Value
			out[i].Value = &v
		}
	}
	return out
}

// Ingest upserts rows, replacing values already stored for the same region,
// zone, metric and date.
func (s *Sink) Ingest(ctx context.Context, region string, rows []stitch.Row) (int, error) {
	records := Records(region, s.runID, rows, time.Now().UTC())
	if len(records) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(records, batchSize)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to ingest %d rows for %s: %w", len(records), region, result.Error)
	}
	s.logger.Infow("ingested rows", "region", region, "rows", len(records))
	return len(records), nil
}

// Close closes the database connection.
func (s *Sink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
