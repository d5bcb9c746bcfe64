package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openidx/identityd/internal/common/config"
)

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want float64
	}{
		{"default", 0, 1.0},
		{"half", 0.5, 0.5},
		{"out of range", 3, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{ServiceName: "identity-service", Environment: "test"}
			cfg.Tracing.Enabled = true
			cfg.Tracing.SampleRate = tt.rate

			got := FromConfig(cfg)
			assert.True(t, got.Enabled)
			assert.Equal(t, "identity-service", got.ServiceName)
			assert.Equal(t, tt.want, got.SampleRate)
		})
	}
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}
