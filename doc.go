// Package bkd implements a block k-d tree for indexing multi-dimensional
// points, each tagged with a document ID.
//
// A tree is built once by a Writer and then read through a Reader. Points
// are fixed-width byte strings compared as unsigned bytes per dimension;
// callers encode numbers so that byte order matches numeric order.
//
// # Building
//
//	cfg := bkd.MustConfig(2, 2, 4, bkd.DefaultMaxPointsInLeafNode)
//	w, _ := bkd.NewWriter(cfg, int64(len(points)))
//	defer w.Close()
//	for _, p := range points {
//	    _ = w.Add(p.Value, p.DocID)
//	}
//	finish, _ := w.Finish(meta, index, data)
//	if finish != nil {
//	    _ = finish()
//	}
//
// Points that exceed the heap budget (WithMaxMBSortInHeap) spill to temp
// files, which are removed when the build finishes or the Writer is closed.
// WriteField builds from an in-memory MutablePointTree without copying, and
// Merge and MergeAll rebuild a tree from existing ones.
//
// # Querying
//
//	r, _ := bkd.NewReader(metaIn, indexIn, dataIn)
//	docs, _ := r.CollectDocIDs(lower, upper)
//
// Custom queries implement IntersectVisitor. IntersectParallel spreads a
// traversal over several goroutines, and EstimatePointCount costs a query
// without decoding leaves.
//
// # Persistence
//
// WriteTree and OpenTree store a tree in a blobstore.BlobStore, with
// optional LZ4 or Zstandard compression and BLAKE3 digests. A tree becomes
// visible only once its descriptor is committed.
//
//	err := bkd.WriteTree(ctx, store, "location", w.Finish, bkd.WithCompression(bkd.CompressionZSTD))
//	tree, err := bkd.OpenTree(ctx, store, "location")
//	defer tree.Close()
package bkd
