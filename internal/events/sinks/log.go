package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/events"
)

// LogListener writes each event as a structured debug line.
type LogListener struct {
	logger *zap.Logger
}

// NewLogListener wires a Zap logger to the listener interface.
func NewLogListener(logger *zap.Logger) *LogListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogListener{logger: logger.Named("events")}
}

// Consume logs each event in the batch.
func (l *LogListener) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("event", string(evt.Name)),
			zap.Time("at", evt.At),
		}
		switch data := evt.Data.(type) {
		case events.Page:
			fields = append(fields, zap.String("url", data.URL))
		case events.PageResult:
			fields = append(fields, zap.String("url", data.URL), zap.Bool("success", data.Success))
		case events.Status:
			fields = append(fields, zap.Bool("is_running", data.IsRunning))
		case events.ImportResult:
			fields = append(fields, zap.Int64("content_id", data.ContentID), zap.Int64("product_id", data.ProductID))
		}
		l.logger.Debug("event", fields...)
	}
	return nil
}

// Close implements events.Listener.
func (l *LogListener) Close(context.Context) error {
	return nil
}
