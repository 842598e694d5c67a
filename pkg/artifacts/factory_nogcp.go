//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

// GCSConfig holds configuration for the GCS backend.
type GCSConfig struct {
	Bucket string
	Prefix string
}

func newGCSStore(_ context.Context, _ GCSConfig) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
