package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHolder_UpdateSwapsSnapshot(t *testing.T) {
	first := DefaultConfig()
	h := NewHolder(first, "/etc/vidbridge/config.toml")

	assert.Same(t, first, h.Config())
	assert.Zero(t, h.Generation())

	next := DefaultConfig()
	next.Worker.PollInterval = "10m"

	assert.Empty(t, h.Update(next), "poll interval applies live")
	assert.Same(t, next, h.Config())
	assert.Equal(t, uint64(1), h.Generation())
	assert.Equal(t, "/etc/vidbridge/config.toml", h.Path())
}

func TestHolder_UpdateReportsRestartKeys(t *testing.T) {
	h := NewHolder(DefaultConfig(), "")

	next := DefaultConfig()
	next.Worker.MaxConcurrentUploads++
	next.Quota.PerOwner = !next.Quota.PerOwner
	next.Quota.Threshold = 0.5

	assert.Equal(t, []string{"worker.max_concurrent_uploads", "quota.per_owner"}, h.Update(next))
}

func TestRestartRequired_Nil(t *testing.T) {
	assert.Nil(t, RestartRequired(nil, DefaultConfig()))
}

func TestHolder_ConcurrentReadWrite(t *testing.T) {
	h := NewHolder(DefaultConfig(), "/tmp/config.toml")

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 100 {
				assert.NotNil(t, h.Config())
			}
		}()
	}

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 100 {
				h.Update(DefaultConfig())
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, uint64(500), h.Generation())
}
