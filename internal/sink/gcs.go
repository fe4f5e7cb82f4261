package sink

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
)

// GCS spools writes to a local temp file and on Finalize streams the result
// to Google Cloud Storage.
type GCS struct {
	local     *LocalFile
	spoolPath string
	client    *storage.Client
	bucket    string
	object    string
}

// NewGCS spools into a temp file under spoolDir and will upload to
// bucket/object on Finalize.
func NewGCS(client *storage.Client, spoolDir, bucket, object string) (*GCS, error) {
	spoolPath := spoolDir + "/" + object + ".spool"
	local, err := OpenLocalFile(spoolPath)
	if err != nil {
		return nil, err
	}
	return &GCS{
		local:     local,
		spoolPath: spoolPath,
		client:    client,
		bucket:    bucket,
		object:    object,
	}, nil
}

func (g *GCS) WriteAt(p []byte, off int64) (int, error) {
	return g.local.WriteAt(p, off)
}

func (g *GCS) Close() error {
	return g.local.Close()
}

// ReadAt reads back from the local spool file, so a resumed download can
// replay already-written shards into the HMAC accumulator before Finalize
// has run.
func (g *GCS) ReadAt(p []byte, off int64) (int, error) {
	return g.local.ReadAt(p, off)
}

func (g *GCS) Finalize(ctx context.Context) error {
	f, err := os.Open(g.spoolPath)
	if err != nil {
		return fmt.Errorf("sink: reopen spool for upload: %w", err)
	}
	defer f.Close()
	defer os.Remove(g.spoolPath)

	w := g.client.Bucket(g.bucket).Object(g.object).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("sink: upload to gs://%s/%s: %w", g.bucket, g.object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("sink: finalize gs://%s/%s: %w", g.bucket, g.object, err)
	}
	return nil
}
