package s3

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/bkd/internal/hash"
)

// UploadConfig tunes multipart uploads.
type UploadConfig struct {
	// PartSize is the size of each multipart part. Default 8 MiB.
	PartSize int64
	// Concurrency is the number of parts uploaded at once. Default 5.
	Concurrency int
	// EnableChecksum asks S3 to verify CRC32C checksums. Default true.
	EnableChecksum bool
	// LeavePartsOnError keeps the parts of a failed upload.
	LeavePartsOnError bool
}

// DefaultUploadConfig returns the default upload settings.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		PartSize:       8 << 20,
		Concurrency:    5,
		EnableChecksum: true,
	}
}

func newUploader(client Client, cfg UploadConfig) *manager.Uploader {
	return manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.PartSize > 0 {
			u.PartSize = cfg.PartSize
		}
		if cfg.Concurrency > 0 {
			u.Concurrency = cfg.Concurrency
		}
		u.LeavePartsOnError = cfg.LeavePartsOnError
	})
}

// crc32cBase64 returns the big-endian CRC32C of data in the base64 form S3
// expects.
func crc32cBase64(data []byte) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], hash.CRC32C(data))
	return base64.StdEncoding.EncodeToString(b[:])
}

// uploadBlob streams writes into a background upload. The object appears
// when Close returns nil.
type uploadBlob struct {
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan error

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

func newUploadBlob(ctx context.Context, uploader *manager.Uploader, bucket, key string, checksum bool) *uploadBlob {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(ctx)
	b := &uploadBlob{pw: pw, cancel: cancel, done: make(chan error, 1)}

	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   pr,
	}
	if checksum {
		input.ChecksumAlgorithm = types.ChecksumAlgorithmCrc32c
	}
	go func() {
		_, err := uploader.Upload(ctx, input)
		_ = pr.CloseWithError(err)
		b.done <- err
	}()
	return b
}

func (b *uploadBlob) Write(p []byte) (int, error) {
	if b.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	return b.pw.Write(p)
}

// Sync is a no-op; nothing is visible before Close.
func (b *uploadBlob) Sync() error { return nil }

func (b *uploadBlob) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if err := b.pw.Close(); err != nil {
			b.closeErr = err
		} else {
			b.closeErr = <-b.done
		}
		b.cancel()
	})
	return b.closeErr
}

// Abort cancels the upload. The uploader aborts the multipart upload
// unless LeavePartsOnError is set.
func (b *uploadBlob) Abort() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.cancel()
		_ = b.pw.CloseWithError(context.Canceled)
		<-b.done
		b.closeErr = context.Canceled
	})
	return nil
}

func putObject(ctx context.Context, client Client, bucket, key string, data []byte, checksum, ifAbsent bool) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if checksum {
		input.ChecksumCRC32C = aws.String(crc32cBase64(data))
	}
	if ifAbsent {
		input.IfNoneMatch = aws.String("*")
	}
	_, err := client.PutObject(ctx, input)
	return err
}
