//go:build !gcp

package objstore

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, bucket string) (Store, error) {
	return nil, fmt.Errorf("objstore: GCS is not enabled in this build (use -tags gcp)")
}
