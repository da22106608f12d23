package bkd

import (
	"math/bits"

	"github.com/hupe1980/bkd/internal/store"
)

// PointTree is a cursor over the nodes of a BKD tree. It starts at the
// root; MinPackedValue and MaxPackedValue always describe the cell of the
// current node.
//
// Nodes are numbered like a binary heap: the root is 1 and node n has
// children 2n and 2n+1. Leaves are the nodes >= numLeaves.
//
// A PointTree is not safe for concurrent use; Clone it instead.
type PointTree struct {
	r              *Reader
	cfg            Config
	version        int
	innerNodes     *store.Input
	leafNodes      *store.Input
	leafNodeOffset int
	pointCount     int64
	isTreeBalanced bool

	nodeID   int
	nodeRoot int
	level    int

	minPackedValue []byte
	maxPackedValue []byte

	// Per-level state, indexed by level.
	leafBlockFPStack      []int64
	readNodeDataPositions []int64
	rightNodePositions    []int64
	splitDimsPos          []int
	negativeDeltas        []bool
	splitValuesStack      [][]byte
	splitDimValueStack    [][]byte

	rightMostLeafNode      int
	lastLeafNodePointCount int

	leaf *leafReader
}

func newPointTree(r *Reader, innerNodes, leafNodes *store.Input, nodeID, level int, minPackedValue, maxPackedValue []byte) *PointTree {
	cfg := r.cfg
	treeDepth := getTreeDepth(r.numLeaves)
	t := &PointTree{
		r:                     r,
		cfg:                   cfg,
		version:               r.version,
		innerNodes:            innerNodes,
		leafNodes:             leafNodes,
		leafNodeOffset:        r.numLeaves,
		pointCount:            r.pointCount,
		isTreeBalanced:        r.isTreeBalanced,
		nodeID:                nodeID,
		nodeRoot:              nodeID,
		level:                 level,
		minPackedValue:        clone(minPackedValue),
		maxPackedValue:        clone(maxPackedValue),
		leafBlockFPStack:      make([]int64, treeDepth+1),
		readNodeDataPositions: make([]int64, treeDepth+1),
		rightNodePositions:    make([]int64, treeDepth),
		splitDimsPos:          make([]int, treeDepth),
		negativeDeltas:        make([]bool, cfg.numIndexDims*treeDepth),
		splitValuesStack:      make([][]byte, treeDepth),
		splitDimValueStack:    make([][]byte, treeDepth),
		rightMostLeafNode:     (1 << (treeDepth - 1)) - 1,
		leaf:                  newLeafReader(cfg, r.version, leafNodes),
	}
	t.splitValuesStack[0] = make([]byte, cfg.packedIndexBytesLength)
	t.lastLeafNodePointCount = int(r.pointCount % int64(cfg.maxPointsInLeafNode))
	if t.lastLeafNodePointCount == 0 {
		t.lastLeafNodePointCount = cfg.maxPointsInLeafNode
	}
	return t
}

// getTreeDepth returns the number of levels including the leaves, plus one
// when the last level is not full.
func getTreeDepth(numLeaves int) int {
	return bits.Len(uint(numLeaves)) - 1 + 2
}

// Clone returns an independent cursor positioned at the current node, which
// becomes the clone's root.
func (t *PointTree) Clone() *PointTree {
	c := newPointTree(t.r, t.innerNodes.Clone(), t.leafNodes.Clone(), t.nodeID, t.level, t.minPackedValue, t.maxPackedValue)
	c.leafBlockFPStack[c.level] = t.leafBlockFPStack[t.level]
	if !t.isLeafNode() {
		n := t.cfg.numIndexDims
		c.rightNodePositions[c.level] = t.rightNodePositions[t.level]
		c.readNodeDataPositions[c.level] = t.readNodeDataPositions[t.level]
		c.splitValuesStack[c.level] = clone(t.splitValuesStack[t.level])
		copy(c.negativeDeltas[t.level*n:(t.level+1)*n], t.negativeDeltas[t.level*n:])
		c.splitDimsPos[c.level] = t.splitDimsPos[t.level]
	}
	return c
}

// MinPackedValue returns the lower corner of the current cell over the
// index dimensions. The slice is owned by the tree.
func (t *PointTree) MinPackedValue() []byte { return t.minPackedValue }

// MaxPackedValue returns the upper corner of the current cell.
func (t *PointTree) MaxPackedValue() []byte { return t.maxPackedValue }

// NodeID returns the heap-order id of the current node.
func (t *PointTree) NodeID() int { return t.nodeID }

// IsLeaf reports whether the current node is a leaf.
func (t *PointTree) IsLeaf() bool { return t.isLeafNode() }

// MoveToChild moves to the left child. It reports false at a leaf.
func (t *PointTree) MoveToChild() (bool, error) {
	if t.isLeafNode() {
		return false, nil
	}
	t.resetNodeDataPosition()
	t.pushBoundsLeft()
	if err := t.pushLeft(); err != nil {
		return false, err
	}
	return true, nil
}

// MoveToSibling moves from a left child to its right sibling. It reports
// false for right children and the root.
func (t *PointTree) MoveToSibling() (bool, error) {
	if !t.isLeftNode() || t.isRootNode() {
		return false, nil
	}
	t.pop()
	t.popBounds(t.maxPackedValue)
	t.pushBoundsRight()
	if err := t.pushRight(); err != nil {
		return false, err
	}
	return true, nil
}

// MoveToParent moves to the parent node. It reports false at the root.
func (t *PointTree) MoveToParent() bool {
	if t.isRootNode() {
		return false
	}
	packedValue := t.minPackedValue
	if t.isLeftNode() {
		packedValue = t.maxPackedValue
	}
	t.pop()
	t.popBounds(packedValue)
	return true
}

func (t *PointTree) isRootNode() bool { return t.nodeID == t.nodeRoot }
func (t *PointTree) isLeftNode() bool { return t.nodeID&1 == 0 }
func (t *PointTree) isLeafNode() bool { return t.nodeID >= t.leafNodeOffset }

func (t *PointTree) resetNodeDataPosition() {
	t.innerNodes.Seek(t.readNodeDataPositions[t.level])
}

func (t *PointTree) pushBoundsLeft() {
	pos := t.splitDimsPos[t.level]
	bpd := t.cfg.bytesPerDim
	if t.splitDimValueStack[t.level] == nil {
		t.splitDimValueStack[t.level] = make([]byte, bpd)
	}
	copy(t.splitDimValueStack[t.level], t.maxPackedValue[pos:pos+bpd])
	copy(t.maxPackedValue[pos:pos+bpd], t.splitValuesStack[t.level][pos:])
}

func (t *PointTree) pushBoundsRight() {
	pos := t.splitDimsPos[t.level]
	bpd := t.cfg.bytesPerDim
	copy(t.splitDimValueStack[t.level], t.minPackedValue[pos:pos+bpd])
	copy(t.minPackedValue[pos:pos+bpd], t.splitValuesStack[t.level][pos:])
}

func (t *PointTree) pushLeft() error {
	t.nodeID *= 2
	t.level++
	return t.readNodeData(true)
}

func (t *PointTree) pushRight() error {
	pos := t.rightNodePositions[t.level]
	t.nodeID = t.nodeID*2 + 1
	t.level++
	t.innerNodes.Seek(pos)
	return t.readNodeData(false)
}

func (t *PointTree) pop() {
	t.nodeID /= 2
	t.level--
}

func (t *PointTree) popBounds(packedValue []byte) {
	pos := t.splitDimsPos[t.level]
	copy(packedValue[pos:pos+t.cfg.bytesPerDim], t.splitDimValueStack[t.level])
}

// readNodeData decodes the node the inner-node cursor is positioned at.
func (t *PointTree) readNodeData(isLeft bool) error {
	in := t.innerNodes
	level := t.level
	t.leafBlockFPStack[level] = t.leafBlockFPStack[level-1]
	if !isLeft {
		t.leafBlockFPStack[level] += in.VLong()
	}

	if !t.isLeafNode() {
		n := t.cfg.numIndexDims
		bpd := t.cfg.bytesPerDim
		copy(t.negativeDeltas[level*n:(level+1)*n], t.negativeDeltas[(level-1)*n:])
		t.negativeDeltas[level*n+t.splitDimsPos[level-1]/bpd] = isLeft

		if t.splitValuesStack[level] == nil {
			t.splitValuesStack[level] = clone(t.splitValuesStack[level-1])
		} else {
			copy(t.splitValuesStack[level], t.splitValuesStack[level-1])
		}

		code := int(in.VInt())
		if err := in.Err(); err != nil {
			return translateError(in.Name(), err)
		}
		if code < 0 {
			return corruptf(in.Name(), "negative split code %d at node %d", code, t.nodeID)
		}
		splitDim := code % n
		t.splitDimsPos[level] = splitDim * bpd
		code /= n
		prefix := code % (1 + bpd)
		suffix := bpd - prefix
		if suffix > 0 {
			firstDiffByteDelta := code / (1 + bpd)
			if t.negativeDeltas[level*n+splitDim] {
				firstDiffByteDelta = -firstDiffByteDelta
			}
			startPos := t.splitDimsPos[level] + prefix
			splitValues := t.splitValuesStack[level]
			splitValues[startPos] = byte(int(splitValues[startPos]) + firstDiffByteDelta)
			in.ReadInto(splitValues[startPos+1 : startPos+suffix])
		}

		leftNumBytes := int64(0)
		if t.nodeID*2 < t.leafNodeOffset {
			leftNumBytes = int64(in.VInt())
		}
		t.rightNodePositions[level] = in.Position() + leftNumBytes
		t.readNodeDataPositions[level] = in.Position()
	}
	if err := in.Err(); err != nil {
		return translateError(in.Name(), err)
	}
	return nil
}

// Size returns the number of points below the current node.
func (t *PointTree) Size() int64 {
	leftMostLeafNode := t.nodeID
	for leftMostLeafNode < t.leafNodeOffset {
		leftMostLeafNode *= 2
	}
	rightMostLeafNode := t.nodeID
	for rightMostLeafNode < t.leafNodeOffset {
		rightMostLeafNode = rightMostLeafNode*2 + 1
	}
	numLeaves := rightMostLeafNode - leftMostLeafNode + 1
	if rightMostLeafNode < leftMostLeafNode {
		// The leftmost leaf is one level deeper than the rightmost.
		numLeaves += t.leafNodeOffset
	}
	if t.isTreeBalanced {
		return t.sizeFromBalancedTree(leftMostLeafNode, rightMostLeafNode)
	}
	maxPoints := int64(t.cfg.maxPointsInLeafNode)
	if rightMostLeafNode == t.rightMostLeafNode {
		return int64(numLeaves-1)*maxPoints + int64(t.lastLeafNodePointCount)
	}
	return int64(numLeaves) * maxPoints
}

// sizeFromBalancedTree counts points below a node of a tree written by old
// versions, which spread the missing points one per leaf.
func (t *PointTree) sizeFromBalancedTree(leftMostLeafNode, rightMostLeafNode int) int64 {
	maxPoints := t.cfg.maxPointsInLeafNode
	extraPoints := int(int64(maxPoints)*int64(t.leafNodeOffset) - t.pointCount)
	nodeOffset := t.leafNodeOffset - extraPoints
	var count int64
	for node := leftMostLeafNode; node <= rightMostLeafNode; node++ {
		if balanceTreeNodePosition(0, t.leafNodeOffset, node-t.leafNodeOffset, 0, 0) < nodeOffset {
			count += int64(maxPoints)
		} else {
			count += int64(maxPoints - 1)
		}
	}
	return count
}

// balanceTreeNodePosition returns the order in which a balanced build gave
// leaf node its extra point, by bisecting the leaf range.
func balanceTreeNodePosition(minNode, maxNode, node, position, level int) int {
	for maxNode-minNode != 1 {
		mid := (minNode + maxNode + 1) >> 1
		if mid > node {
			maxNode = mid
		} else {
			minNode = mid
			position += 1 << level
		}
		level++
	}
	return position
}

// VisitDocIDs hands every doc ID below the current node to v.Visit.
func (t *PointTree) VisitDocIDs(v IntersectVisitor) error {
	t.resetNodeDataPosition()
	return t.addAll(v, false)
}

func (t *PointTree) addAll(v IntersectVisitor, grown bool) error {
	if !grown {
		v.Grow(int(min(t.Size(), maxArrayLength)))
		grown = true
	}
	if t.isLeafNode() {
		return t.leaf.visitDocIDs(t.leafBlockFPStack[t.level], v)
	}
	if err := t.pushLeft(); err != nil {
		return err
	}
	if err := t.addAll(v, grown); err != nil {
		return err
	}
	t.pop()
	if err := t.pushRight(); err != nil {
		return err
	}
	if err := t.addAll(v, grown); err != nil {
		return err
	}
	t.pop()
	return nil
}

// VisitDocValues hands every point below the current node to v, leaf by
// leaf. Leaves whose actual bounds fall outside or inside v's query are
// pruned or visited by doc ID only.
func (t *PointTree) VisitDocValues(v IntersectVisitor) error {
	t.resetNodeDataPosition()
	return t.visitLeavesOneByOne(v)
}

func (t *PointTree) visitLeavesOneByOne(v IntersectVisitor) error {
	if t.isLeafNode() {
		return t.leaf.visitDocValues(t.leafBlockFPStack[t.level], v)
	}
	if err := t.pushLeft(); err != nil {
		return err
	}
	if err := t.visitLeavesOneByOne(v); err != nil {
		return err
	}
	t.pop()
	if err := t.pushRight(); err != nil {
		return err
	}
	if err := t.visitLeavesOneByOne(v); err != nil {
		return err
	}
	t.pop()
	return nil
}
