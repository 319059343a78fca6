package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormRollupStore persists rollups in MySQL through GORM.
type GormRollupStore struct {
	db *gorm.DB
}

// OpenGormStore connects to MySQL with the given DSN and migrates the
// rollup schema.
func OpenGormStore(dsn string) (*GormRollupStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("analytics: open mysql: %w", err)
	}
	if err := db.AutoMigrate(&HourlyPathStat{}); err != nil {
		return nil, fmt.Errorf("analytics: migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.SetMaxOpenConns(16)
		sqlDB.SetMaxIdleConns(4)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return &GormRollupStore{db: db}, nil
}

// NewGormStore wraps an existing gorm connection. Used by tests.
func NewGormStore(db *gorm.DB) *GormRollupStore {
	return &GormRollupStore{db: db}
}

func (g *GormRollupStore) Get(ctx context.Context, path string, hour time.Time) (*HourlyPathStat, bool, error) {
	var row HourlyPathStat
	err := g.db.WithContext(ctx).
		Where("path = ? AND hour = ?", path, hour.UTC().Truncate(time.Hour)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &row, true, nil
}

func (g *GormRollupStore) Upsert(ctx context.Context, stat *HourlyPathStat) error {
	stat.Hour = stat.Hour.UTC().Truncate(time.Hour)
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "path"}, {Name: "hour"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"request_count", "cache_hits", "cache_misses", "error_count",
			"blocked_geo", "blocked_rate",
			"status2xx", "status3xx", "status4xx", "status5xx",
			"bytes_served", "latency_digest", "unique_ip_sketch",
			"updated_at",
		}),
	}).Create(stat).Error
}

func (g *GormRollupStore) QueryRange(ctx context.Context, from, to time.Time) ([]*HourlyPathStat, error) {
	var rows []*HourlyPathStat
	err := g.db.WithContext(ctx).
		Where("hour >= ? AND hour < ?", from.UTC(), to.UTC()).
		Order("hour ASC, path ASC").
		Find(&rows).Error
	return rows, err
}

func (g *GormRollupStore) QueryPathRange(ctx context.Context, path string, from, to time.Time) ([]*HourlyPathStat, error) {
	var rows []*HourlyPathStat
	err := g.db.WithContext(ctx).
		Where("path = ? AND hour >= ? AND hour < ?", path, from.UTC(), to.UTC()).
		Order("hour ASC").
		Find(&rows).Error
	return rows, err
}

func (g *GormRollupStore) TopPaths(ctx context.Context, from, to time.Time, n int) ([]PathTotals, error) {
	if n <= 0 {
		n = 10
	}
	var out []PathTotals
	err := g.db.WithContext(ctx).
		Model(&HourlyPathStat{}).
		Select("path, SUM(request_count) AS request_count, SUM(cache_hits) AS cache_hits, SUM(error_count) AS error_count").
		Where("hour >= ? AND hour < ?", from.UTC(), to.UTC()).
		Group("path").
		Order("request_count DESC, path ASC").
		Limit(n).
		Scan(&out).Error
	return out, err
}

func (g *GormRollupStore) MarkArchivable(ctx context.Context, before time.Time) (int64, error) {
	res := g.db.WithContext(ctx).
		Model(&HourlyPathStat{}).
		Where("hour < ? AND archivable = ?", before.UTC(), false).
		Update("archivable", true)
	return res.RowsAffected, res.Error
}

func (g *GormRollupStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
