package sinks

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/events"
)

func TestPrometheusListenerRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	l, err := NewPrometheusListener(reg)
	require.NoError(t, err)

	batch := []events.Event{
		{Name: events.CrawlStatus, Data: events.Status{IsRunning: true}},
		{Name: events.Crawled, Data: events.PageResult{URL: "https://a.com", Success: true}},
		{Name: events.Crawled, Data: events.PageResult{URL: "https://b.com"}},
		{Name: events.ImportStatus, Data: events.Status{IsRunning: true}},
		{Name: events.Imported, Data: events.ImportResult{ContentID: 1, ProductID: 9}},
	}
	require.NoError(t, l.Consume(context.Background(), batch))

	require.InDelta(t, 2, testutil.ToFloat64(l.eventsTotal.WithLabelValues("crawled")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(l.pagesProcessed.WithLabelValues("success")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(l.pagesProcessed.WithLabelValues("failed")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(l.imported), 0)
	require.InDelta(t, 1, testutil.ToFloat64(l.crawlRunning), 0)
	require.InDelta(t, 1, testutil.ToFloat64(l.importRunning), 0)

	require.NoError(t, l.Consume(context.Background(), []events.Event{
		{Name: events.CrawlStatus, Data: events.Status{IsRunning: false}},
	}))
	require.InDelta(t, 0, testutil.ToFloat64(l.crawlRunning), 0)
	require.NoError(t, l.Close(context.Background()))
}

func TestPrometheusListenerDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusListener(reg)
	require.NoError(t, err)
	_, err = NewPrometheusListener(reg)
	require.Error(t, err)
}
