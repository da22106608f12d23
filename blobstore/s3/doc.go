// Package s3 stores tree blobs in Amazon S3 or an S3-compatible service.
//
//	store, err := s3.New(ctx, "my-bucket", s3.WithPrefix("trees/"))
//	if err != nil {
//		return err
//	}
//	err = bkd.WriteTree(ctx, store, "geo", build)
//
// Reads are ranged GETs, writes stream through a multipart upload and
// PutIfAbsent uses If-None-Match conditional writes.
package s3
