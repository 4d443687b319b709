package observability_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nexusdb/nexus/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracer_Disabled(t *testing.T) {
	cfg := observability.DefaultTracerConfig()
	tr, err := observability.NewTracer(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, tr.IsEnabled())

	_, span := tr.StartSpan(context.Background(), "test.span")
	defer span.End()
	assert.False(t, span.IsRecording())
}

func TestTracer_ShutdownNoop(t *testing.T) {
	tr, err := observability.NewTracer(context.Background(), observability.DefaultTracerConfig())
	require.NoError(t, err)
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestStartStoreSpan(t *testing.T) {
	ctx, span := observability.StartStoreSpan(context.Background(), "insert", "messages")
	require.NotNil(t, span)
	observability.EndStoreSpan(span, nil)
	observability.EndStoreSpan(span, errors.New("boom"))
	_ = ctx
}

func TestStartTransactionSpan(t *testing.T) {
	_, span := observability.StartTransactionSpan(context.Background())
	require.NotNil(t, span)
	span.End()
}

func TestSchedulerSpan(t *testing.T) {
	ctx, span := observability.StartSchedulerSpan(context.Background(), observability.SchedulerSpanConfig{
		FunctionID: "fn_1",
		Name:       "sendDigest",
		Attempt:    2,
	})
	require.NotNil(t, span)
	observability.EndSchedulerSpan(span, "completed", nil)
	_ = ctx
}

func TestRecordError_NoPanicWhenNotRecording(t *testing.T) {
	assert.NotPanics(t, func() {
		observability.RecordError(context.Background(), errors.New("boom"))
	})
}
