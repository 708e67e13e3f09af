package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitTracerProviderDisabled(t *testing.T) {
	tp, shutdown, err := InitTracerProvider(context.Background(), Config{})
	require.NoError(t, err)
	require.Nil(t, tp)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitTracerProviderStdout(t *testing.T) {
	var buf bytes.Buffer
	tp, shutdown, err := InitTracerProvider(context.Background(), Config{
		ServiceName: "catalog-crawler-test",
		Enabled:     true,
		Stdout:      true,
		Writer:      &buf,
	})
	require.NoError(t, err)
	require.NotNil(t, tp)

	_, span := tp.Tracer("test").Start(context.Background(), "crawl.link")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	require.Contains(t, buf.String(), "crawl.link")
}
