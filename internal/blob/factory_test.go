package blob

import (
	"context"
	"path/filepath"
	"testing"

	"corefacility/internal/blob/core"
	"corefacility/internal/config"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		cfg  config.Blob
		want core.Driver
	}{
		{config.Blob{FSRoot: filepath.Join(t.TempDir(), "blobs")}, core.DriverFilesystem},
		{config.Blob{Driver: "memory"}, core.DriverMemory},
		{config.Blob{Driver: "s3", S3Bucket: "avatars", S3Endpoint: "http://127.0.0.1:9000", S3PathStyle: true}, core.DriverS3},
	}
	for _, tc := range cases {
		t.Setenv("AWS_ACCESS_KEY_ID", "test")
		t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
		store, err := Open(ctx, tc.cfg)
		if err != nil {
			t.Fatalf("open %+v: %v", tc.cfg, err)
		}
		if store.Driver() != tc.want {
			t.Fatalf("expected driver %s, got %s", tc.want, store.Driver())
		}
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, config.Blob{Driver: "s3"}); err == nil {
		t.Fatal("expected missing bucket error")
	}
	if _, err := Open(ctx, config.Blob{Driver: "ftp"}); err == nil {
		t.Fatal("expected unknown driver error")
	}
}
