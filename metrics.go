package bkd

import (
	"sync/atomic"
	"time"
)

// LeafEncoding identifies how a leaf's packed values were stored.
type LeafEncoding int

const (
	// LeafUniform marks a leaf whose values are all equal.
	LeafUniform LeafEncoding = iota
	// LeafLowCardinality marks a leaf stored as (count, value) runs.
	LeafLowCardinality
	// LeafHighCardinality marks a leaf stored with a run-length coded byte.
	LeafHighCardinality
)

func (e LeafEncoding) String() string {
	switch e {
	case LeafUniform:
		return "uniform"
	case LeafLowCardinality:
		return "low_cardinality"
	case LeafHighCardinality:
		return "high_cardinality"
	default:
		return "unknown"
	}
}

// MetricsCollector receives build and query statistics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordPointsAdded is called as points enter a writer.
	RecordPointsAdded(n int)

	// RecordLeafWritten is called once per leaf block.
	RecordLeafWritten(enc LeafEncoding, points int)

	// RecordTempFile is called when an offline point file is created
	// (created=true) or deleted (created=false).
	RecordTempFile(created bool)

	// RecordSpill reports bytes written to temp files.
	RecordSpill(bytes int64)

	// RecordBuild is called after each tree build.
	RecordBuild(points int64, leaves int, duration time.Duration, err error)

	// RecordOpen is called after a tree is opened.
	RecordOpen(duration time.Duration, err error)

	// RecordIntersect is called after a full intersection.
	RecordIntersect(leavesVisited, nodesPruned int, duration time.Duration)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPointsAdded(int)                        {}
func (NoopMetricsCollector) RecordLeafWritten(LeafEncoding, int)          {}
func (NoopMetricsCollector) RecordTempFile(bool)                          {}
func (NoopMetricsCollector) RecordSpill(int64)                            {}
func (NoopMetricsCollector) RecordBuild(int64, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordOpen(time.Duration, error)              {}
func (NoopMetricsCollector) RecordIntersect(int, int, time.Duration)      {}

// BasicMetricsCollector keeps counters in memory.
type BasicMetricsCollector struct {
	PointsAdded         atomic.Int64
	UniformLeaves       atomic.Int64
	LowCardinalityLeaf  atomic.Int64
	HighCardinalityLeaf atomic.Int64
	TempFilesCreated    atomic.Int64
	TempFilesDeleted    atomic.Int64
	BytesSpilled        atomic.Int64
	BuildCount          atomic.Int64
	BuildErrors         atomic.Int64
	BuildTotalNanos     atomic.Int64
	TreesOpened         atomic.Int64
	OpenErrors          atomic.Int64
	IntersectCount      atomic.Int64
	LeavesVisited       atomic.Int64
	NodesPruned         atomic.Int64
	IntersectTotalNanos atomic.Int64
}

// RecordPointsAdded implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPointsAdded(n int) {
	b.PointsAdded.Add(int64(n))
}

// RecordLeafWritten implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLeafWritten(enc LeafEncoding, _ int) {
	switch enc {
	case LeafUniform:
		b.UniformLeaves.Add(1)
	case LeafLowCardinality:
		b.LowCardinalityLeaf.Add(1)
	case LeafHighCardinality:
		b.HighCardinalityLeaf.Add(1)
	}
}

// RecordTempFile implements MetricsCollector.
func (b *BasicMetricsCollector) RecordTempFile(created bool) {
	if created {
		b.TempFilesCreated.Add(1)
	} else {
		b.TempFilesDeleted.Add(1)
	}
}

// RecordSpill implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSpill(bytes int64) {
	b.BytesSpilled.Add(bytes)
}

// RecordBuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBuild(_ int64, _ int, duration time.Duration, err error) {
	b.BuildCount.Add(1)
	b.BuildTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.BuildErrors.Add(1)
	}
}

// RecordOpen implements MetricsCollector.
func (b *BasicMetricsCollector) RecordOpen(_ time.Duration, err error) {
	b.TreesOpened.Add(1)
	if err != nil {
		b.OpenErrors.Add(1)
	}
}

// RecordIntersect implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIntersect(leavesVisited, nodesPruned int, duration time.Duration) {
	b.IntersectCount.Add(1)
	b.LeavesVisited.Add(int64(leavesVisited))
	b.NodesPruned.Add(int64(nodesPruned))
	b.IntersectTotalNanos.Add(duration.Nanoseconds())
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		PointsAdded:         b.PointsAdded.Load(),
		UniformLeaves:       b.UniformLeaves.Load(),
		LowCardinalityLeaf:  b.LowCardinalityLeaf.Load(),
		HighCardinalityLeaf: b.HighCardinalityLeaf.Load(),
		TempFilesCreated:    b.TempFilesCreated.Load(),
		TempFilesDeleted:    b.TempFilesDeleted.Load(),
		BytesSpilled:        b.BytesSpilled.Load(),
		BuildCount:          b.BuildCount.Load(),
		BuildErrors:         b.BuildErrors.Load(),
		BuildAvgNanos:       avg(b.BuildTotalNanos.Load(), b.BuildCount.Load()),
		TreesOpened:         b.TreesOpened.Load(),
		OpenErrors:          b.OpenErrors.Load(),
		IntersectCount:      b.IntersectCount.Load(),
		LeavesVisited:       b.LeavesVisited.Load(),
		NodesPruned:         b.NodesPruned.Load(),
		IntersectAvgNanos:   avg(b.IntersectTotalNanos.Load(), b.IntersectCount.Load()),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	PointsAdded         int64
	UniformLeaves       int64
	LowCardinalityLeaf  int64
	HighCardinalityLeaf int64
	TempFilesCreated    int64
	TempFilesDeleted    int64
	BytesSpilled        int64
	BuildCount          int64
	BuildErrors         int64
	BuildAvgNanos       int64
	TreesOpened         int64
	OpenErrors          int64
	IntersectCount      int64
	LeavesVisited       int64
	NodesPruned         int64
	IntersectAvgNanos   int64
}
