package observability

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogging_JSON(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	require.NoError(t, setupLogging(&buf, "warn", "json"))

	log.Info().Msg("hidden")
	log.Warn().Str("module", "test").Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"module":"test"`)
}

func TestSetupLogging_Invalid(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, setupLogging(&buf, "loud", "json"))
	assert.Error(t, setupLogging(&buf, "info", "xml"))
}

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.SessionsActive.Inc()
	m.FramesDropped.WithLabelValues("backpressure").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("backpressure")))

	// A second set on a fresh registry must not collide.
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
}
