package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/component"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/config"
)

func TestDemoRunsUntilCanceled(t *testing.T) {
	c, err := component.New("demo-test", config.Default(), nil)
	require.NoError(t, err)
	defer c.Close()
	c.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 700*time.Millisecond)
	defer cancel()
	require.NoError(t, runDemo(ctx, c, zap.NewNop()))

	stats := c.Stats()
	assert.Equal(t, 1, stats.RPCObjects)
	assert.Equal(t, 1, stats.Domains)
	assert.Positive(t, stats.Counters.Dispatches)
	assert.Positive(t, stats.Counters.FaultsResolved)
}
