package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PartitionState is the lifecycle state of a storage partition.
// Transitions are linear: ACTIVE -> SEALED -> ARCHIVED -> DROPPED.
type PartitionState string

const (
	PartitionActive   PartitionState = "ACTIVE"
	PartitionSealed   PartitionState = "SEALED"
	PartitionArchived PartitionState = "ARCHIVED"
	PartitionDropped  PartitionState = "DROPPED"
)

// CanTransitionTo reports whether moving from s to next is a legal
// forward step in the lifecycle.
func (s PartitionState) CanTransitionTo(next PartitionState) bool {
	switch s {
	case PartitionActive:
		return next == PartitionSealed
	case PartitionSealed:
		return next == PartitionArchived
	case PartitionArchived:
		return next == PartitionDropped
	}
	return false
}

// Partition is a contiguous, non-overlapping time window of storage for one
// logical table. LowerBound is inclusive, UpperBound exclusive. At most one
// ACTIVE partition exists per table at any boundary, and partitions for a
// table never overlap.
type Partition struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	TableName  string         `gorm:"uniqueIndex:idx_part_table_lower;index:idx_part_table" json:"table_name"`
	LowerBound time.Time      `gorm:"uniqueIndex:idx_part_table_lower" json:"lower_bound"`
	UpperBound time.Time      `json:"upper_bound"`
	State      PartitionState `gorm:"type:varchar(10);index" json:"state"`
	RowCount   int64          `json:"row_count"`
	ByteSize   int64          `json:"byte_size"`
	SealedAt   *time.Time     `json:"sealed_at,omitempty"`
	ArchivedAt *time.Time     `json:"archived_at,omitempty"`
	DroppedAt  *time.Time     `json:"dropped_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Covers reports whether ts falls inside the partition window.
func (p *Partition) Covers(ts time.Time) bool {
	return !ts.Before(p.LowerBound) && ts.Before(p.UpperBound)
}

// Overlaps reports whether two windows intersect.
func (p *Partition) Overlaps(other *Partition) bool {
	return p.LowerBound.Before(other.UpperBound) && other.LowerBound.Before(p.UpperBound)
}

// Validate checks window sanity before a partition row is created.
func (p *Partition) Validate() error {
	if p.TableName == "" {
		return fmt.Errorf("partition missing table name")
	}
	if !p.UpperBound.After(p.LowerBound) {
		return fmt.Errorf("partition for %s has empty window [%s,%s)",
			p.TableName, p.LowerBound.Format(time.RFC3339), p.UpperBound.Format(time.RFC3339))
	}
	return nil
}

// MigratePartitionModels runs migrations for partition metadata.
func MigratePartitionModels(db *gorm.DB) error {
	return db.AutoMigrate(&Partition{})
}
