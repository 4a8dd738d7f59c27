// Package store persists what outlives a session: banned licenses and lap
// records. Session state itself is never stored.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var ErrEmptyLicense = errors.New("store: empty license")

type BanList interface {
	IsBanned(ctx context.Context, license string) (bool, error)
	Ban(ctx context.Context, ban Ban) error
}

type LapRecorder interface {
	RecordLap(ctx context.Context, lap LapRecord) error
}

type Ban struct {
	ID        uint   `gorm:"primaryKey"`
	License   string `gorm:"size:128;uniqueIndex"`
	Name      string `gorm:"size:20"`
	BannedBy  string `gorm:"size:128"`
	CreatedAt time.Time
}

type LapRecord struct {
	ID        uint   `gorm:"primaryKey"`
	License   string `gorm:"size:128;index"`
	Name      string `gorm:"size:20"`
	Racetrack string `gorm:"size:32;index"`
	Lap       uint8
	LapTimeMS uint32
	CreatedAt time.Time
}

// Postgres keeps bans and laps in a postgres database through gorm.
type Postgres struct {
	db *gorm.DB
}

func Open(dsn string, logger *zap.Logger) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Ban{}, &LapRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Named("store").Info("database ready")
	return &Postgres{db: db}, nil
}

func (p *Postgres) IsBanned(ctx context.Context, license string) (bool, error) {
	if license == "" {
		return false, nil
	}
	var n int64
	err := p.db.WithContext(ctx).Model(&Ban{}).Where("license = ?", license).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("ban lookup: %w", err)
	}
	return n > 0, nil
}

// Ban is idempotent: banning a banned license keeps the first record.
func (p *Postgres) Ban(ctx context.Context, ban Ban) error {
	if ban.License == "" {
		return ErrEmptyLicense
	}
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "license"}}, DoNothing: true}).
		Create(&ban).Error
	if err != nil {
		return fmt.Errorf("ban %s: %w", ban.License, err)
	}
	return nil
}

func (p *Postgres) RecordLap(ctx context.Context, lap LapRecord) error {
	if err := p.db.WithContext(ctx).Create(&lap).Error; err != nil {
		return fmt.Errorf("record lap: %w", err)
	}
	return nil
}

// BestLaps returns the fastest laps on a racetrack.
func (p *Postgres) BestLaps(ctx context.Context, racetrack string, limit int) ([]LapRecord, error) {
	var laps []LapRecord
	err := p.db.WithContext(ctx).
		Where("racetrack = ?", racetrack).
		Order("lap_time_ms asc").
		Limit(limit).
		Find(&laps).Error
	if err != nil {
		return nil, fmt.Errorf("best laps: %w", err)
	}
	return laps, nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Memory is the store used when no database is configured.
type Memory struct {
	mu   sync.Mutex
	bans map[string]Ban
	laps []LapRecord
}

func NewMemory() *Memory {
	return &Memory{bans: make(map[string]Ban)}
}

func (m *Memory) IsBanned(_ context.Context, license string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bans[license]
	return ok, nil
}

func (m *Memory) Ban(_ context.Context, ban Ban) error {
	if ban.License == "" {
		return ErrEmptyLicense
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bans[ban.License]; !ok {
		ban.CreatedAt = time.Now()
		m.bans[ban.License] = ban
	}
	return nil
}

func (m *Memory) RecordLap(_ context.Context, lap LapRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lap.CreatedAt = time.Now()
	m.laps = append(m.laps, lap)
	return nil
}

func (m *Memory) BestLaps(_ context.Context, racetrack string, limit int) ([]LapRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LapRecord
	for _, l := range m.laps {
		if l.Racetrack == racetrack {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LapTimeMS < out[j].LapTimeMS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
