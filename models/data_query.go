package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// DataQuery is a user-named, reusable request template. The engine only
// reads it back to reconstruct a fetch request; ownership stays with the
// API caller that created it.
type DataQuery struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	Name                 string     `gorm:"uniqueIndex;not null" json:"name"`
	Symbols              string     `gorm:"not null" json:"symbols"` // comma-separated, order preserved
	Frequency            Frequency  `gorm:"type:varchar(4)" json:"frequency"`
	AssetClass           AssetClass `gorm:"type:varchar(10)" json:"asset_class,omitempty"`
	IncludeExtendedHours bool       `json:"include_extended_hours"`
	ContinuousSeries     bool       `json:"continuous_series"`
	RollPolicy           string     `gorm:"type:varchar(20)" json:"roll_policy,omitempty"`
	Favorite             bool       `gorm:"index" json:"favorite"`
	ExecutionCount       int64      `json:"execution_count"`
	LastExecutedAt       *time.Time `json:"last_executed_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// SymbolList splits the stored symbol string into its ordered list.
func (q *DataQuery) SymbolList() []string {
	if q.Symbols == "" {
		return nil
	}
	parts := strings.Split(q.Symbols, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// MarkExecuted bumps the execution counters after a replay.
func (q *DataQuery) MarkExecuted(db *gorm.DB) error {
	now := time.Now()
	return db.Model(q).Updates(map[string]interface{}{
		"execution_count":  gorm.Expr("execution_count + 1"),
		"last_executed_at": now,
	}).Error
}

// MigrateQueryModels runs migrations for saved queries.
func MigrateQueryModels(db *gorm.DB) error {
	return db.AutoMigrate(&DataQuery{})
}
