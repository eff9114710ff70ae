package internal

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRegionRecordsSpan(t *testing.T) {
	tracer := mocktracer.New()
	previous := opentracing.GlobalTracer()
	opentracing.SetGlobalTracer(tracer)
	t.Cleanup(func() { opentracing.SetGlobalTracer(previous) })

	inCtx := context.Background()
	tr, ctx := StartRegion(inCtx, "processPDU")
	require.NotNil(t, opentracing.SpanFromContext(ctx))
	tr.SetTag("room_id", "!room:test")
	tr.LogError(errors.New("boom"))
	tr.End()

	spans := tracer.FinishedSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "processPDU", spans[0].OperationName)
	assert.Equal(t, "!room:test", spans[0].Tag("room_id"))
	assert.Equal(t, true, spans[0].Tag("error"))
}

func TestVersionString(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^\d+\.\d+\.\d+(-\w+)?(\+[\w.]+)?$`), VersionString())
}
