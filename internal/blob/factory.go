// Package blob opens the configured blob store backing entity file fields.
package blob

import (
	"context"
	"fmt"

	"corefacility/internal/blob/core"
	"corefacility/internal/config"
	"corefacility/internal/infra/blob/fs"
	"corefacility/internal/infra/blob/memory"
	"corefacility/internal/infra/blob/s3"
)

// Open selects a store from COREFACILITY_BLOB_* settings.
func Open(ctx context.Context, cfg config.Blob) (core.Store, error) {
	driver := core.Driver(cfg.Driver)
	if driver == "" {
		driver = core.DriverFilesystem
	}
	switch driver {
	case core.DriverFilesystem:
		return fs.New(cfg.FSRoot, "")
	case core.DriverMemory:
		return memory.New(), nil
	case core.DriverS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("COREFACILITY_BLOB_S3_BUCKET is required for the s3 blob driver")
		}
		return s3.New(ctx, s3.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
