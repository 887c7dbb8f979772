// Package advisor performs background analysis of query performance and
// index effectiveness. Its output is advisory only and never gates
// correctness of the retrieval path.
package advisor

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"marketdata_backend/models"
	"marketdata_backend/services/partition"
)

// sampleWindow bounds how many recent durations are kept per label.
const sampleWindow = 512

// slowThreshold marks a query as slow for advice purposes.
const slowThreshold = 500 * time.Millisecond

// Percentiles summarizes recent latency for one label.
type Percentiles struct {
	Label   string  `json:"label"`
	Count   int     `json:"count"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
	SlowPct float64 `json:"slow_pct"`
}

// Report is the advisor's full output for the health endpoint.
type Report struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Latency     []Percentiles `json:"latency"`
	Advice      []string      `json:"advice"`
}

type ring struct {
	samples []time.Duration
	idx     int
	full    bool
}

func (r *ring) add(d time.Duration) {
	if len(r.samples) < sampleWindow {
		r.samples = append(r.samples, d)
		return
	}
	r.samples[r.idx] = d
	r.idx = (r.idx + 1) % sampleWindow
	r.full = true
}

// Advisor records query durations and derives recommendations from them and
// from the partition layout.
type Advisor struct {
	mu    sync.Mutex
	rings map[string]*ring
	pm    *partition.Manager
}

// New builds an advisor. pm may be nil when partition advice is not wanted.
func New(pm *partition.Manager) *Advisor {
	return &Advisor{rings: make(map[string]*ring), pm: pm}
}

// Record adds one observed duration under label (e.g. "fetch", "aggregate").
func (a *Advisor) Record(label string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.rings[label]
	if !ok {
		r = &ring{}
		a.rings[label] = r
	}
	r.add(d)
}

// LatencyPercentiles returns per-label percentile summaries.
func (a *Advisor) LatencyPercentiles() []Percentiles {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Percentiles, 0, len(a.rings))
	for label, r := range a.rings {
		if len(r.samples) == 0 {
			continue
		}
		sorted := make([]time.Duration, len(r.samples))
		copy(sorted, r.samples)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		slow := 0
		for _, d := range sorted {
			if d >= slowThreshold {
				slow++
			}
		}
		out = append(out, Percentiles{
			Label:   label,
			Count:   len(sorted),
			P50MS:   ms(percentile(sorted, 0.50)),
			P95MS:   ms(percentile(sorted, 0.95)),
			P99MS:   ms(percentile(sorted, 0.99)),
			SlowPct: float64(slow) / float64(len(sorted)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// BuildReport assembles latency percentiles and index/partition advice.
func (a *Advisor) BuildReport() *Report {
	report := &Report{
		GeneratedAt: time.Now(),
		Latency:     a.LatencyPercentiles(),
		Advice:      []string{},
	}

	for _, p := range report.Latency {
		if p.SlowPct > 0.10 && p.Count >= 20 {
			report.Advice = append(report.Advice, fmt.Sprintf(
				"%s: %.0f%% of recent queries exceed %v; consider narrower time ranges or warming the cache for hot symbols",
				p.Label, p.SlowPct*100, slowThreshold))
		}
	}

	if a.pm != nil {
		report.Advice = append(report.Advice, a.partitionAdvice()...)
	}
	return report
}

// partitionAdvice derives index-effectiveness hints from partition sizes.
func (a *Advisor) partitionAdvice() []string {
	var advice []string
	parts, err := a.pm.ListPartitions(partition.BarsTable)
	if err != nil {
		return advice
	}

	var total int64
	sealedUnarchived := 0
	for _, p := range parts {
		total += p.RowCount
		if p.State == models.PartitionSealed {
			sealedUnarchived++
		}
		if p.RowCount > 5_000_000 {
			advice = append(advice, fmt.Sprintf(
				"partition %s [%s,%s) holds %d rows; the (symbol, timestamp, frequency) index may no longer fit in memory for range scans",
				p.TableName, p.LowerBound.Format("2006-01"), p.UpperBound.Format("2006-01"), p.RowCount))
		}
	}
	if sealedUnarchived > 12 {
		advice = append(advice, fmt.Sprintf(
			"%d sealed partitions pending archive; tightening PARTITION_ARCHIVE_AFTER would shrink the hot index", sealedUnarchived))
	}
	if total == 0 {
		advice = append(advice, "no bar data recorded yet; advice will improve once queries flow")
	}
	return advice
}

// RunAnalysis is the scheduled entry point: builds a report and logs its
// recommendations.
func (a *Advisor) RunAnalysis() {
	report := a.BuildReport()
	if len(report.Advice) == 0 {
		log.Println("Advisor: no recommendations")
		return
	}
	for _, line := range report.Advice {
		log.Printf("Advisor: %s", line)
	}
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
