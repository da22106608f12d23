// Package conv provides checked integer conversions for values decoded from
// tree files and for counts written as 32-bit fields.
package conv
