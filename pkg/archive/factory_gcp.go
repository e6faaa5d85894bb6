//go:build gcp

package archive

import "context"

func newGCS(ctx context.Context, opts Options) (Archiver, error) {
	return NewGCSArchiver(ctx, GCSConfig{Bucket: opts.Bucket, Prefix: opts.Prefix})
}
