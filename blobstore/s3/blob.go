package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hupe1980/bkd/blobstore"
)

// s3Blob is a committed object. Its size is fixed by the HEAD issued on
// open; every read is a ranged GET.
type s3Blob struct {
	client Client
	bucket string
	key    string
	size   int64
}

func openBlob(ctx context.Context, client Client, bucket, key string) (*s3Blob, error) {
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &s3Blob{client: client, bucket: bucket, key: key, size: aws.ToInt64(head.ContentLength)}, nil
}

func mapNotFound(err error) error {
	if isNotFound(err) {
		return blobstore.ErrNotFound
	}
	return err
}

func (b *s3Blob) Size() int64  { return b.size }
func (b *s3Blob) Close() error { return nil }

// span clamps [off, off+length) to the object. A negative length reads to
// the end.
func (b *s3Blob) span(off, length int64) (int64, int64, error) {
	if off < 0 || off >= b.size {
		return 0, 0, io.EOF
	}
	end := b.size
	if length >= 0 {
		end = min(end, off+length)
	}
	return off, end, nil
}

// body issues a GET for the inclusive byte range [off, end-1].
func (b *s3Blob) body(ctx context.Context, off, end int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if end == off {
		return io.NopCloser(strings.NewReader("")), nil
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    &b.key,
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end-1)),
	})
	if err != nil {
		return nil, mapNotFound(err)
	}
	return out.Body, nil
}

func (b *s3Blob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	off, end, err := b.span(off, length)
	if err != nil {
		return nil, err
	}
	return b.body(ctx, off, end)
}

func (b *s3Blob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	off, end, err := b.span(off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	body, err := b.body(ctx, off, end)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	n, err := io.ReadFull(body, p[:end-off])
	switch {
	case errors.Is(err, io.EOF):
		// The object shrank below the size seen on open.
		return n, io.ErrUnexpectedEOF
	case err != nil:
		return n, err
	case n < len(p):
		return n, io.EOF
	}
	return n, nil
}

// listObjects returns the sorted names under fullPrefix with rootPrefix
// stripped.
func listObjects(ctx context.Context, client Client, bucket, fullPrefix, rootPrefix string) ([]string, error) {
	var names []string
	pages := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{Bucket: &bucket, Prefix: &fullPrefix})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)
			if rootPrefix != "" {
				name = strings.TrimPrefix(strings.TrimPrefix(name, rootPrefix), "/")
			}
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}
