package db

import (
	"context"
	"testing"
	"time"
)

const poolTestPrefix = "db:pool_test"

func TestNewPool_RejectsBadURLs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, url := range []string{"invalid://not-a-valid-database-url", "postgres://%zz"} {
		pool, err := NewPool(ctx, url)
		if err == nil {
			pool.Close()
			t.Fatalf("%s - expected error for %q", poolTestPrefix, url)
		}
		if pool != nil {
			t.Errorf("%s - expected nil pool on error", poolTestPrefix)
		}
	}
}
