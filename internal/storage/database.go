// Package storage is the optional trade-log sink. Without a DSN the store
// runs disabled and every write is a no-op; the core keeps all state in
// memory either way.
package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/whalebot/internal/types"
)

type Database struct {
	db      *gorm.DB
	enabled bool
}

// Models

// CopyTrade is a completed round trip.
type CopyTrade struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	TokenID    string `gorm:"index"`
	Side       string
	EntryCents int
	ExitCents  int
	SizeUSD    decimal.Decimal `gorm:"type:decimal(20,6)"`
	PnlCents   int
	PnlUSD     decimal.Decimal `gorm:"type:decimal(20,6)"`
	IsWin      bool
	ClosedAt   time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// PositionEvent is one edge of a position's lifecycle.
type PositionEvent struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	PositionID string `gorm:"index"`
	TokenID    string `gorm:"index"`
	FromState  string
	ToState    string
	Reason     string
	PnlCents   int
	PnlUSD     decimal.Decimal `gorm:"type:decimal(20,6)"`
	At         time.Time
	CreatedAt  time.Time
}

// New opens the store. A postgres:// DSN selects PostgreSQL; any other
// non-empty path is a SQLite file. Empty input disables persistence.
func New(dsn, sqlitePath string) (*Database, error) {
	target := dsn
	if target == "" {
		target = sqlitePath
	}
	if target == "" {
		log.Warn().Msg("No database configured, running without persistence")
		return &Database{enabled: false}, nil
	}

	var db *gorm.DB
	var err error
	if strings.HasPrefix(target, "postgres://") || strings.HasPrefix(target, "postgresql://") {
		db, err = gorm.Open(postgres.Open(target), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(target); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(target), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", target).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&CopyTrade{}, &PositionEvent{}); err != nil {
		return nil, err
	}
	return &Database{db: db, enabled: true}, nil
}

// Enabled reports whether writes go anywhere.
func (d *Database) Enabled() bool { return d.enabled }

// SaveTrade persists a completed round trip.
func (d *Database) SaveTrade(r types.TradeResult) error {
	if !d.enabled {
		return nil
	}
	return d.db.Create(&CopyTrade{
		TokenID:    r.TokenID,
		Side:       string(r.Side),
		EntryCents: r.EntryCents,
		ExitCents:  r.ExitCents,
		SizeUSD:    r.SizeUSD,
		PnlCents:   r.PnlCents,
		PnlUSD:     r.PnlUSD,
		IsWin:      r.IsWin,
		ClosedAt:   r.Timestamp,
	}).Error
}

// SavePositionEvent persists one lifecycle transition.
func (d *Database) SavePositionEvent(e *PositionEvent) error {
	if !d.enabled {
		return nil
	}
	return d.db.Create(e).Error
}

// RecentTrades returns the newest closed trades.
func (d *Database) RecentTrades(limit int) ([]CopyTrade, error) {
	if !d.enabled {
		return nil, nil
	}
	var trades []CopyTrade
	err := d.db.Order("closed_at DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// TotalPnlUSD sums realized P&L over everything persisted.
func (d *Database) TotalPnlUSD() (decimal.Decimal, error) {
	if !d.enabled {
		return decimal.Zero, nil
	}
	var result struct {
		Total decimal.Decimal
	}
	err := d.db.Model(&CopyTrade{}).Select("COALESCE(SUM(pnl_usd), 0) as total").Scan(&result).Error
	return result.Total, err
}

// Stats returns aggregate counters for the status surface.
func (d *Database) Stats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})
	if !d.enabled {
		return stats, nil
	}

	var total, wins int64
	d.db.Model(&CopyTrade{}).Count(&total)
	d.db.Model(&CopyTrade{}).Where("is_win = ?", true).Count(&wins)
	stats["total_trades"] = total
	stats["wins"] = wins

	pnl, _ := d.TotalPnlUSD()
	stats["total_pnl_usd"] = pnl
	return stats, nil
}
