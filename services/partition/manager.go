// Package partition owns the lifecycle of time-bounded storage segments:
// monthly partitions for market data bars, quarterly partitions for query
// logs. Lifecycle is linear, ACTIVE -> SEALED -> ARCHIVED -> DROPPED.
package partition

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"marketdata_backend/config"
	"marketdata_backend/models"
)

// Logical tables managed by the partition manager.
const (
	BarsTable     = "market_data_bars"
	QueryLogTable = "query_logs"
)

// Granularity is the partition window length for a table.
type Granularity string

const (
	Monthly   Granularity = "monthly"
	Quarterly Granularity = "quarterly"
)

// tableGranularity registers the window length per managed table.
var tableGranularity = map[string]Granularity{
	BarsTable:     Monthly,
	QueryLogTable: Quarterly,
}

// Archiver moves a partition's rows to cold storage before the partition is
// marked ARCHIVED. A nil archiver means rows stay in place.
type Archiver interface {
	Archive(ctx context.Context, db *gorm.DB, p *models.Partition) error
}

// Health describes one table's partition layout for the health endpoint.
type Health struct {
	TableName      string     `json:"table_name"`
	PartitionCount int        `json:"partition_count"`
	TotalRows      int64      `json:"total_rows"`
	OldestBoundary *time.Time `json:"oldest_boundary,omitempty"`
	NewestBoundary *time.Time `json:"newest_boundary,omitempty"`
	ActiveCount    int        `json:"active_count"`
	SealedCount    int        `json:"sealed_count"`
	ArchivedCount  int        `json:"archived_count"`
}

// Manager creates, tracks and retires partitions.
type Manager struct {
	db       *gorm.DB
	cfg      config.PartitionConfig
	archiver Archiver

	// serializes check-or-create so concurrent writers cannot race a
	// partition into existence twice
	mu sync.Mutex

	now func() time.Time
}

// NewManager builds a partition manager. archiver may be nil.
func NewManager(db *gorm.DB, cfg config.PartitionConfig, archiver Archiver) *Manager {
	return &Manager{db: db, cfg: cfg, archiver: archiver, now: time.Now}
}

// EnsureActivePartition returns the partition covering ts for table,
// creating it if absent. Idempotent: a second call with the same ts returns
// the same partition. Creation failure is loud; callers must not write
// without a partition.
func (m *Manager) EnsureActivePartition(table string, ts time.Time) (*models.Partition, error) {
	gran, ok := tableGranularity[table]
	if !ok {
		return nil, fmt.Errorf("partition error: unmanaged table %q", table)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var existing models.Partition
	err := m.db.Where("table_name = ? AND lower_bound <= ? AND upper_bound > ?", table, ts, ts).
		First(&existing).Error
	if err == nil {
		if existing.State == models.PartitionDropped {
			return nil, fmt.Errorf("partition error: window covering %s on %s was dropped",
				ts.Format(time.RFC3339), table)
		}
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("partition error: lookup failed for %s: %w", table, err)
	}

	lower, upper := windowFor(ts, gran)
	state := models.PartitionActive
	if !upper.After(m.now()) {
		// Backfill window already in the past; born sealed
		state = models.PartitionSealed
	}

	p := models.Partition{
		TableName:  table,
		LowerBound: lower,
		UpperBound: upper,
		State:      state,
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("partition error: %w", err)
	}

	// Non-overlap invariant: reject a window intersecting any sibling
	var overlapping int64
	if err := m.db.Model(&models.Partition{}).
		Where("table_name = ? AND lower_bound < ? AND upper_bound > ?", table, upper, lower).
		Count(&overlapping).Error; err != nil {
		return nil, fmt.Errorf("partition error: overlap check failed for %s: %w", table, err)
	}
	if overlapping > 0 {
		return nil, fmt.Errorf("partition error: window [%s,%s) overlaps existing partition on %s",
			lower.Format("2006-01-02"), upper.Format("2006-01-02"), table)
	}

	if err := m.db.Create(&p).Error; err != nil {
		return nil, fmt.Errorf("partition error: create failed for %s [%s,%s): %w",
			table, lower.Format("2006-01-02"), upper.Format("2006-01-02"), err)
	}
	log.Printf("Created %s partition for %s: [%s, %s)", state, table,
		lower.Format("2006-01-02"), upper.Format("2006-01-02"))
	return &p, nil
}

// EnsureLookahead creates partitions ahead of the current window so write
// paths never block on partition creation. Runs on a schedule.
func (m *Manager) EnsureLookahead(table string) error {
	gran, ok := tableGranularity[table]
	if !ok {
		return fmt.Errorf("partition error: unmanaged table %q", table)
	}

	ts := m.now()
	for i := 0; i <= m.cfg.LookaheadPeriods; i++ {
		if _, err := m.EnsureActivePartition(table, ts); err != nil {
			return err
		}
		_, upper := windowFor(ts, gran)
		ts = upper
	}
	return nil
}

// EnsureAllLookahead runs lookahead creation for every managed table.
func (m *Manager) EnsureAllLookahead() error {
	for table := range tableGranularity {
		if err := m.EnsureLookahead(table); err != nil {
			return err
		}
	}
	return nil
}

// SealExpired transitions ACTIVE partitions whose window has ended to SEALED.
func (m *Manager) SealExpired() (int, error) {
	now := m.now()
	var expired []models.Partition
	if err := m.db.Where("state = ? AND upper_bound <= ?", models.PartitionActive, now).
		Find(&expired).Error; err != nil {
		return 0, err
	}

	sealed := 0
	for i := range expired {
		p := &expired[i]
		if !p.State.CanTransitionTo(models.PartitionSealed) {
			continue
		}
		if err := m.db.Model(p).Updates(map[string]interface{}{
			"state":     models.PartitionSealed,
			"sealed_at": now,
		}).Error; err != nil {
			log.Printf("Failed to seal partition %d (%s): %v", p.ID, p.TableName, err)
			continue
		}
		sealed++
		log.Printf("Sealed partition %s [%s, %s)", p.TableName,
			p.LowerBound.Format("2006-01-02"), p.UpperBound.Format("2006-01-02"))
	}
	return sealed, nil
}

// ArchiveExpired moves SEALED partitions past the retention age to cold
// storage (when an archiver is configured) and marks them ARCHIVED.
func (m *Manager) ArchiveExpired(ctx context.Context) (int, error) {
	now := m.now()
	cutoff := now.Add(-m.cfg.ArchiveAfter)

	var candidates []models.Partition
	if err := m.db.Where("state = ? AND upper_bound <= ?", models.PartitionSealed, cutoff).
		Find(&candidates).Error; err != nil {
		return 0, err
	}

	archived := 0
	for i := range candidates {
		p := &candidates[i]
		if m.archiver != nil {
			if err := m.archiver.Archive(ctx, m.db, p); err != nil {
				log.Printf("Archive failed for partition %d (%s): %v", p.ID, p.TableName, err)
				continue
			}
		}
		if err := m.db.Model(p).Updates(map[string]interface{}{
			"state":       models.PartitionArchived,
			"archived_at": now,
		}).Error; err != nil {
			log.Printf("Failed to mark partition %d archived: %v", p.ID, err)
			continue
		}
		archived++
	}
	return archived, nil
}

// DropExpired deletes the rows of ARCHIVED partitions past the final
// retention age and marks the partitions DROPPED. Irreversible.
func (m *Manager) DropExpired() (int, error) {
	now := m.now()
	cutoff := now.Add(-m.cfg.DropAfter)

	var candidates []models.Partition
	if err := m.db.Where("state = ? AND upper_bound <= ?", models.PartitionArchived, cutoff).
		Find(&candidates).Error; err != nil {
		return 0, err
	}

	dropped := 0
	for i := range candidates {
		p := &candidates[i]
		if err := m.deleteRows(p); err != nil {
			log.Printf("Failed to drop rows for partition %d (%s): %v", p.ID, p.TableName, err)
			continue
		}
		if err := m.db.Model(p).Updates(map[string]interface{}{
			"state":      models.PartitionDropped,
			"dropped_at": now,
			"row_count":  0,
			"byte_size":  0,
		}).Error; err != nil {
			log.Printf("Failed to mark partition %d dropped: %v", p.ID, err)
			continue
		}
		dropped++
		log.Printf("Dropped partition %s [%s, %s)", p.TableName,
			p.LowerBound.Format("2006-01-02"), p.UpperBound.Format("2006-01-02"))
	}
	return dropped, nil
}

func (m *Manager) deleteRows(p *models.Partition) error {
	switch p.TableName {
	case BarsTable:
		return m.db.Where("timestamp >= ? AND timestamp < ?", p.LowerBound, p.UpperBound).
			Delete(&models.MarketDataBar{}).Error
	case QueryLogTable:
		return m.db.Where("created_at >= ? AND created_at < ?", p.LowerBound, p.UpperBound).
			Delete(&models.QueryLog{}).Error
	}
	return fmt.Errorf("unmanaged table %q", p.TableName)
}

// ListPartitions returns the table's partitions ordered by lower boundary.
func (m *Manager) ListPartitions(table string) ([]models.Partition, error) {
	var parts []models.Partition
	err := m.db.Where("table_name = ?", table).Order("lower_bound ASC").Find(&parts).Error
	return parts, err
}

// RefreshStats recomputes per-partition row counts.
func (m *Manager) RefreshStats(table string) error {
	parts, err := m.ListPartitions(table)
	if err != nil {
		return err
	}
	for i := range parts {
		p := &parts[i]
		if p.State == models.PartitionDropped {
			continue
		}
		var count int64
		switch table {
		case BarsTable:
			err = m.db.Model(&models.MarketDataBar{}).
				Where("timestamp >= ? AND timestamp < ?", p.LowerBound, p.UpperBound).
				Count(&count).Error
		case QueryLogTable:
			err = m.db.Model(&models.QueryLog{}).
				Where("created_at >= ? AND created_at < ?", p.LowerBound, p.UpperBound).
				Count(&count).Error
		}
		if err != nil {
			return err
		}
		if err := m.db.Model(p).Update("row_count", count).Error; err != nil {
			return err
		}
	}
	return nil
}

// TableHealth summarizes a table's partition layout.
func (m *Manager) TableHealth(table string) (*Health, error) {
	parts, err := m.ListPartitions(table)
	if err != nil {
		return nil, err
	}

	h := &Health{TableName: table, PartitionCount: len(parts)}
	for _, p := range parts {
		h.TotalRows += p.RowCount
		switch p.State {
		case models.PartitionActive:
			h.ActiveCount++
		case models.PartitionSealed:
			h.SealedCount++
		case models.PartitionArchived:
			h.ArchivedCount++
		}
	}
	if len(parts) > 0 {
		oldest := parts[0].LowerBound
		newest := parts[len(parts)-1].UpperBound
		h.OldestBoundary = &oldest
		h.NewestBoundary = &newest
	}
	return h, nil
}

// AllHealth summarizes every managed table.
func (m *Manager) AllHealth() ([]Health, error) {
	out := make([]Health, 0, len(tableGranularity))
	for table := range tableGranularity {
		h, err := m.TableHealth(table)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, nil
}

// windowFor computes the calendar window covering ts at the given
// granularity. Lower inclusive, upper exclusive.
func windowFor(ts time.Time, gran Granularity) (time.Time, time.Time) {
	ts = ts.UTC()
	switch gran {
	case Quarterly:
		quarterStart := time.Month(((int(ts.Month())-1)/3)*3 + 1)
		lower := time.Date(ts.Year(), quarterStart, 1, 0, 0, 0, 0, time.UTC)
		return lower, lower.AddDate(0, 3, 0)
	default:
		lower := time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
		return lower, lower.AddDate(0, 1, 0)
	}
}
