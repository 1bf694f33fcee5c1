package observability

import (
	"context"
	"testing"

	"github.com/playbaseball/gatekeeper/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracing(t *testing.T) {
	t.Run("disabled returns a no-op shutdown", func(t *testing.T) {
		shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "test")
		require.NoError(t, err)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("enabled builds a provider without connecting", func(t *testing.T) {
		cfg := config.TracingConfig{
			Enabled:    true,
			Endpoint:   "http://localhost:4318",
			SampleRate: 0.5,
		}
		shutdown, err := InitTracing(context.Background(), cfg, "v1.0.0")
		require.NoError(t, err)
		require.NotNil(t, shutdown)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = shutdown(ctx)
	})
}
