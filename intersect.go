package bkd

import (
	"context"
	"math/bits"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type intersectStats struct {
	leavesVisited int
	nodesPruned   int
}

// Intersect drives v over the subtree rooted at the current node of tree:
// cells outside the query are pruned, cells inside are visited by doc ID,
// and leaves crossing the query are visited value by value. The cursor is
// back at its starting node when Intersect returns without error.
func Intersect(tree *PointTree, v IntersectVisitor) error {
	_, err := intersect(tree, v)
	return err
}

func intersect(tree *PointTree, v IntersectVisitor) (intersectStats, error) {
	var stats intersectStats
	err := intersectNode(tree, v, &stats)
	return stats, err
}

func intersectNode(tree *PointTree, v IntersectVisitor, stats *intersectStats) error {
	switch v.Compare(tree.MinPackedValue(), tree.MaxPackedValue()) {
	case CellOutsideQuery:
		stats.nodesPruned++
		return nil
	case CellInsideQuery:
		return tree.VisitDocIDs(v)
	}

	ok, err := tree.MoveToChild()
	if err != nil {
		return err
	}
	if !ok {
		stats.leavesVisited++
		return tree.VisitDocValues(v)
	}
	for {
		if err := intersectNode(tree, v, stats); err != nil {
			return err
		}
		ok, err := tree.MoveToSibling()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
	}
	tree.MoveToParent()
	return nil
}

// IntersectParallel splits the tree into at least parallelism subtrees and
// intersects each on its own cursor with a visitor from newVisitor.
// newVisitor is called once per subtree, from the calling goroutine; each
// visitor is used by a single goroutine. Subtrees wait for a worker slot of
// the reader's resource controller, if any.
//
// Canceling ctx prunes the remaining cells and returns ctx.Err().
func IntersectParallel(ctx context.Context, r *Reader, newVisitor func() IntersectVisitor, parallelism int) error {
	start := time.Now()
	subtrees, err := r.splitSubtrees(max(parallelism, 1))
	if err != nil {
		return err
	}

	var leavesVisited, nodesPruned atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	rc := r.opts.rc
	for _, tree := range subtrees {
		v := &ctxVisitor{ctx: ctx, IntersectVisitor: newVisitor()}
		g.Go(func() error {
			if err := rc.AcquireWorker(ctx); err != nil {
				return err
			}
			defer rc.ReleaseWorker()

			stats, err := intersect(tree, v)
			leavesVisited.Add(int64(stats.leavesVisited))
			nodesPruned.Add(int64(stats.nodesPruned))
			if err != nil {
				return err
			}
			return ctx.Err()
		})
	}
	err = g.Wait()
	r.opts.metrics.RecordIntersect(int(leavesVisited.Load()), int(nodesPruned.Load()), time.Since(start))
	return err
}

// splitSubtrees returns independent cursors rooted at the nodes of the
// shallowest level with at least n nodes. Leaves above that level are
// returned as they are reached.
func (r *Reader) splitSubtrees(n int) ([]*PointTree, error) {
	depth := bits.Len(uint(n - 1))
	tree, err := r.PointTree()
	if err != nil {
		return nil, err
	}
	var out []*PointTree
	var walk func(level int) error
	walk = func(level int) error {
		if level == depth {
			out = append(out, tree.Clone())
			return nil
		}
		ok, err := tree.MoveToChild()
		if err != nil {
			return err
		}
		if !ok {
			out = append(out, tree.Clone())
			return nil
		}
		for {
			if err := walk(level + 1); err != nil {
				return err
			}
			ok, err := tree.MoveToSibling()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		}
		tree.MoveToParent()
		return nil
	}
	if err := walk(0); err != nil {
		return nil, err
	}
	return out, nil
}

// ctxVisitor prunes every cell once its context is done.
type ctxVisitor struct {
	IntersectVisitor
	ctx context.Context
}

func (v *ctxVisitor) Compare(minPackedValue, maxPackedValue []byte) Relation {
	if v.ctx.Err() != nil {
		return CellOutsideQuery
	}
	return v.IntersectVisitor.Compare(minPackedValue, maxPackedValue)
}
