package trace

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledSpansAreNoops(t *testing.T) {
	require.NoError(t, Init(Config{Enabled: false}))
	assert.False(t, Enabled())

	ctx, span := StartSpan(context.Background(), "noop")
	End(span, nil)
	_, _, ok := Fields(ctx)
	assert.False(t, ok)
}

func TestExportedSpanCarriesName(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Enabled: true, Writer: &buf, Version: "test"}))
	assert.True(t, Enabled())

	ctx, span := StartSpan(context.Background(), "execution.ExecuteSignal", attribute.String("symbol", "SBIN"))
	traceID, _, ok := Fields(ctx)
	assert.True(t, ok)
	assert.NotEmpty(t, traceID)
	End(span, errors.New("rejected"))

	require.NoError(t, Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "execution.ExecuteSignal")
	assert.False(t, Enabled())
}
