// Package minio stores tree blobs in MinIO or another S3-compatible
// service through the MinIO client.
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//		Creds: credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	})
//	if err != nil {
//		return err
//	}
//	store := minioblob.NewStore(client, "trees", "geo/")
//	tree, err := bkd.OpenTree(ctx, store, "cities")
package minio
