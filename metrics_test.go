package bkd

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBasicMetricsCollector(t *testing.T) {
	var m BasicMetricsCollector
	m.RecordPointsAdded(10)
	m.RecordLeafWritten(LeafUniform, 4)
	m.RecordLeafWritten(LeafHighCardinality, 4)
	m.RecordTempFile(true)
	m.RecordTempFile(false)
	m.RecordSpill(128)
	m.RecordBuild(10, 2, 4*time.Millisecond, nil)
	m.RecordBuild(0, 0, 2*time.Millisecond, errors.New("boom"))
	m.RecordOpen(time.Millisecond, nil)
	m.RecordIntersect(3, 5, time.Millisecond)

	assert.Equal(t, BasicMetricsStats{
		PointsAdded:         10,
		UniformLeaves:       1,
		HighCardinalityLeaf: 1,
		TempFilesCreated:    1,
		TempFilesDeleted:    1,
		BytesSpilled:        128,
		BuildCount:          2,
		BuildErrors:         1,
		BuildAvgNanos:       int64(3 * time.Millisecond),
		TreesOpened:         1,
		IntersectCount:      1,
		LeavesVisited:       3,
		NodesPruned:         5,
		IntersectAvgNanos:   int64(time.Millisecond),
	}, m.GetStats())
}

func TestMetrics_QueryPath(t *testing.T) {
	cfg := MustConfig(2, 2, 4, 16)
	rng := rand.New(rand.NewPCG(80, 80))
	pts := randomPoints(rng, cfg, 2000, 1000)

	build := &BasicMetricsCollector{}
	s := newTreeStreams()
	w, err := NewWriter(cfg, int64(len(pts)), WithMetrics(build))
	assert.NoError(t, err)
	for _, p := range pts {
		assert.NoError(t, w.Add(p.value, p.docID))
	}
	finish, err := w.Finish(s.meta, s.index, s.data)
	assert.NoError(t, err)
	assert.NoError(t, finish())
	assert.NoError(t, w.Close())

	stats := build.GetStats()
	assert.Equal(t, int64(2000), stats.PointsAdded)
	assert.Equal(t, int64(1), stats.BuildCount)
	assert.Zero(t, stats.BuildErrors)

	query := &BasicMetricsCollector{}
	r := s.open(t, WithReaderMetrics(query))
	_, err = r.CollectDocIDs(packInts(0, 0), packInts(100, 100))
	assert.NoError(t, err)

	stats = query.GetStats()
	assert.Equal(t, int64(1), stats.TreesOpened)
	assert.Equal(t, int64(1), stats.IntersectCount)
	assert.Positive(t, stats.LeavesVisited)
	assert.Positive(t, stats.NodesPruned)
}

func TestLeafEncodingString(t *testing.T) {
	assert.Equal(t, "uniform", LeafUniform.String())
	assert.Equal(t, "low_cardinality", LeafLowCardinality.String())
	assert.Equal(t, "high_cardinality", LeafHighCardinality.String())
	assert.Equal(t, "unknown", LeafEncoding(42).String())
}
