package sink

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3 spools writes to a local temp file (reusing LocalFile's positioned
// writes) and on Finalize streams the result to S3 with the managed
// uploader.
type S3 struct {
	local     *LocalFile
	spoolPath string
	uploader  *manager.Uploader
	bucket    string
	key       string
}

// NewS3 spools into a temp file under spoolDir and will upload to
// bucket/key on Finalize.
func NewS3(client *s3.Client, spoolDir, bucket, key string) (*S3, error) {
	spoolPath := spoolDir + "/" + key + ".spool"
	local, err := OpenLocalFile(spoolPath)
	if err != nil {
		return nil, err
	}
	return &S3{
		local:     local,
		spoolPath: spoolPath,
		uploader:  manager.NewUploader(client),
		bucket:    bucket,
		key:       key,
	}, nil
}

func (s *S3) WriteAt(p []byte, off int64) (int, error) {
	return s.local.WriteAt(p, off)
}

func (s *S3) Close() error {
	return s.local.Close()
}

// ReadAt reads back from the local spool file, so a resumed download can
// replay already-written shards into the HMAC accumulator before Finalize
// has run.
func (s *S3) ReadAt(p []byte, off int64) (int, error) {
	return s.local.ReadAt(p, off)
}

func (s *S3) Finalize(ctx context.Context) error {
	f, err := os.Open(s.spoolPath)
	if err != nil {
		return fmt.Errorf("sink: reopen spool for upload: %w", err)
	}
	defer f.Close()
	defer os.Remove(s.spoolPath)

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("sink: upload to s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}
