package groutine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGo_NamesContext(t *testing.T) {
	got := make(chan string, 1)

	Go(nil, "obd-poll", func(ctx context.Context) {
		got <- GetName(ctx)
	})

	assert.Equal(t, "obd-poll", <-got)
}

func TestGetName_Empty(t *testing.T) {
	assert.Equal(t, "", GetName(context.Background()))
	assert.Equal(t, "", GetName(nil)) //nolint:staticcheck
}

func TestGroup_WaitsForAll(t *testing.T) {
	var g Group
	var done atomic.Int32

	for i := 0; i < 5; i++ {
		g.Go(context.Background(), "worker", func(ctx context.Context) {
			done.Add(1)
		})
	}
	g.Wait()

	assert.Equal(t, int32(5), done.Load())
}
