package conv

import (
	"fmt"
	"math"
)

// IntToInt32 converts int to int32 safely.
func IntToInt32(v int) (int32, error) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to int32", v)
	}
	return int32(v), nil
}

// NonNegative returns an error when a length or count decoded from disk is
// negative.
func NonNegative(what string, v int64) error {
	if v < 0 {
		return fmt.Errorf("invalid %s: %d is negative", what, v)
	}
	return nil
}
