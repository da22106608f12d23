package bkd

import (
	"fmt"
	"math"
)

const (
	// MaxDims is the maximum number of dimensions per point.
	MaxDims = 16
	// MaxIndexDims is the maximum number of dimensions a tree splits on.
	MaxIndexDims = 8
	// DefaultMaxPointsInLeafNode is the leaf size used by most callers.
	DefaultMaxPointsInLeafNode = 512
	// DefaultMaxMBSortInHeap is the default heap budget for building.
	DefaultMaxMBSortInHeap = 16.0

	// maxArrayLength bounds any single in-memory array the builder allocates.
	maxArrayLength = math.MaxInt32 - 16

	docIDBytes = 4

	// debugAssertions enables expensive invariant checks during development.
	debugAssertions = false
)

// Config holds the immutable shape of a tree.
type Config struct {
	numDims             int
	numIndexDims        int
	bytesPerDim         int
	maxPointsInLeafNode int

	packedBytesLength      int
	packedIndexBytesLength int
	bytesPerDoc            int
}

// NewConfig validates the tree shape and precomputes the derived sizes.
func NewConfig(numDims, numIndexDims, bytesPerDim, maxPointsInLeafNode int) (Config, error) {
	if numDims < 1 || numDims > MaxDims {
		return Config{}, &ConfigError{Field: "numDims", Value: numDims, Reason: fmt.Sprintf("must be 1 .. %d", MaxDims)}
	}
	if numIndexDims < 1 || numIndexDims > MaxIndexDims {
		return Config{}, &ConfigError{Field: "numIndexDims", Value: numIndexDims, Reason: fmt.Sprintf("must be 1 .. %d", MaxIndexDims)}
	}
	if numIndexDims > numDims {
		return Config{}, &ConfigError{Field: "numIndexDims", Value: numIndexDims, Reason: fmt.Sprintf("must be <= numDims (%d)", numDims)}
	}
	if bytesPerDim <= 0 {
		return Config{}, &ConfigError{Field: "bytesPerDim", Value: bytesPerDim, Reason: "must be > 0"}
	}
	if maxPointsInLeafNode <= 0 {
		return Config{}, &ConfigError{Field: "maxPointsInLeafNode", Value: maxPointsInLeafNode, Reason: "must be > 0"}
	}
	if maxPointsInLeafNode > maxArrayLength {
		return Config{}, &ConfigError{Field: "maxPointsInLeafNode", Value: maxPointsInLeafNode, Reason: fmt.Sprintf("must be <= %d", maxArrayLength)}
	}

	packed := numDims * bytesPerDim
	return Config{
		numDims:                numDims,
		numIndexDims:           numIndexDims,
		bytesPerDim:            bytesPerDim,
		maxPointsInLeafNode:    maxPointsInLeafNode,
		packedBytesLength:      packed,
		packedIndexBytesLength: numIndexDims * bytesPerDim,
		bytesPerDoc:            packed + docIDBytes,
	}, nil
}

// MustConfig is like NewConfig but panics on invalid input.
func MustConfig(numDims, numIndexDims, bytesPerDim, maxPointsInLeafNode int) Config {
	cfg, err := NewConfig(numDims, numIndexDims, bytesPerDim, maxPointsInLeafNode)
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c Config) NumDims() int             { return c.numDims }
func (c Config) NumIndexDims() int        { return c.numIndexDims }
func (c Config) BytesPerDim() int         { return c.bytesPerDim }
func (c Config) MaxPointsInLeafNode() int { return c.maxPointsInLeafNode }

// PackedBytesLength is the size of one packed value across all dimensions.
func (c Config) PackedBytesLength() int { return c.packedBytesLength }

// PackedIndexBytesLength is the size of the index dimensions of a packed value.
func (c Config) PackedIndexBytesLength() int { return c.packedIndexBytesLength }

// BytesPerDoc is the size of one spilled point record: packed value plus a
// big-endian doc ID.
func (c Config) BytesPerDoc() int { return c.bytesPerDoc }

func (c Config) String() string {
	return fmt.Sprintf("Config(numDims=%d numIndexDims=%d bytesPerDim=%d maxPointsInLeafNode=%d)",
		c.numDims, c.numIndexDims, c.bytesPerDim, c.maxPointsInLeafNode)
}
