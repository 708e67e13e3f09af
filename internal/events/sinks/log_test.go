package sinks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/catalog-crawler/internal/events"
)

func TestLogListener(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	l := NewLogListener(zap.New(core))

	require.NoError(t, l.Consume(context.Background(), []events.Event{
		{Name: events.Crawled, Data: events.PageResult{URL: "https://a.com", Success: true}},
	}))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "crawled", fields["event"])
	assert.Equal(t, "https://a.com", fields["url"])
	assert.Equal(t, true, fields["success"])
}
