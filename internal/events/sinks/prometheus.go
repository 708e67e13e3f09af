package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/catalog-crawler/internal/events"
)

// PrometheusListener derives counters and gauges from the event stream.
type PrometheusListener struct {
	eventsTotal    *prometheus.CounterVec
	pagesProcessed *prometheus.CounterVec
	imported       prometheus.Counter
	crawlRunning   prometheus.Gauge
	importRunning  prometheus.Gauge
}

// NewPrometheusListener registers the collectors against reg.
func NewPrometheusListener(reg prometheus.Registerer) (*PrometheusListener, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	l := &PrometheusListener{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_crawler_events_total",
			Help: "Broadcast events partitioned by name.",
		}, []string{"event"}),
		pagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_crawler_pages_processed_total",
			Help: "Crawled pages partitioned by outcome.",
		}, []string{"result"}),
		imported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_crawler_imported_total",
			Help: "Content records published to the commerce API.",
		}),
		crawlRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_crawler_crawl_running",
			Help: "1 while a crawl run is active.",
		}),
		importRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_crawler_import_running",
			Help: "1 while the import loop is active.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		l.eventsTotal,
		l.pagesProcessed,
		l.imported,
		l.crawlRunning,
		l.importRunning,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return l, nil
}

// Consume updates the collectors from batch.
func (l *PrometheusListener) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		l.eventsTotal.WithLabelValues(string(evt.Name)).Inc()
		switch data := evt.Data.(type) {
		case events.PageResult:
			result := "failed"
			if data.Success {
				result = "success"
			}
			l.pagesProcessed.WithLabelValues(result).Inc()
		case events.ImportResult:
			l.imported.Inc()
		case events.Status:
			gauge := l.crawlRunning
			if evt.Name == events.ImportStatus {
				gauge = l.importRunning
			}
			gauge.Set(boolToFloat(data.IsRunning))
		}
	}
	return nil
}

// Close implements events.Listener.
func (l *PrometheusListener) Close(context.Context) error {
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
