package archive

import (
	"context"
	"fmt"
)

// Options selects and configures an archiver backend.
type Options struct {
	Type     string // "fs" (default), "s3" or "gcs"
	Dir      string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// New creates the archiver named by opts.Type.
func New(ctx context.Context, opts Options) (Archiver, error) {
	switch opts.Type {
	case "", "fs":
		return NewFileArchiver(opts.Dir)
	case "s3":
		return NewS3Archiver(ctx, S3Config{Bucket: opts.Bucket, Region: opts.Region, Endpoint: opts.Endpoint, Prefix: opts.Prefix})
	case "gcs":
		return newGCS(ctx, opts)
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", opts.Type)
	}
}
