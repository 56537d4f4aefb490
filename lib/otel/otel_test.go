package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledReturnsNoopProvider(t *testing.T) {
	p, shutdown, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	assert.Nil(t, p.Meter)
	assert.Nil(t, p.Tracer)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitEnabledBuildsLiveProviders(t *testing.T) {
	p, shutdown, err := Init(context.Background(), Config{Enabled: true, ServiceName: "vmcored-test"})
	require.NoError(t, err)
	defer shutdown(context.Background())

	require.NotNil(t, p.Tracer)
	require.NotNil(t, p.Meter)
	require.NotNil(t, p.LogHandler)

	// A recorded instrument should not panic or error against these
	// no-exporter providers.
	counter, err := p.Meter.Int64Counter("test_counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	_, span := p.Tracer.Start(context.Background(), "test-span")
	span.End()
}
