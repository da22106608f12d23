package bkd

// Relation describes how a cell relates to a query.
type Relation int

const (
	// CellInsideQuery means every point in the cell matches.
	CellInsideQuery Relation = iota
	// CellOutsideQuery means no point in the cell matches.
	CellOutsideQuery
	// CellCrossesQuery means some points may match.
	CellCrossesQuery
)

func (r Relation) String() string {
	switch r {
	case CellInsideQuery:
		return "inside"
	case CellOutsideQuery:
		return "outside"
	case CellCrossesQuery:
		return "crosses"
	default:
		return "unknown"
	}
}

// IntersectVisitor is driven by tree traversal.
//
// Compare is called with the bounds of a cell (index dimensions only).
// Visit is called for doc IDs of cells fully inside the query; VisitValue
// for points of crossing leaves, which must be checked against the query.
// Grow announces how many calls are about to follow. The packed value passed
// to VisitValue is only valid during the call.
type IntersectVisitor interface {
	Visit(docID int)
	VisitValue(docID int, packedValue []byte)
	Compare(minPackedValue, maxPackedValue []byte) Relation
	Grow(count int)
}
