package bkd

// Stream format versions. Readers accept versionStart through VersionCurrent.
const (
	codecName = "BKD"

	versionStart                = 4
	versionLeafStoresBounds     = 5
	versionSelectiveIndexing    = 6
	versionLowCardinalityLeaves = 7
	versionMetaFile             = 9

	// VersionCurrent is the version written by this package.
	VersionCurrent = versionMetaFile

	// splitsBeforeExactBounds is how many splits pass between recomputing
	// exact cell bounds when more than two dimensions are indexed.
	splitsBeforeExactBounds = 4
)

// leafTag values written before a leaf's packed values. Non-negative tags
// name the dimension whose first suffix byte is run-length coded.
const (
	tagAllEqual       = -1
	tagLowCardinality = -2
)

// leafTagByte encodes a leaf tag as the signed byte readers expect.
func leafTagByte(tag int) byte { return byte(int8(tag)) }
