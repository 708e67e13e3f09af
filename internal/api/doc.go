// Package api hosts the operator surface of the crawler. Notable routes:
//   - GET /healthz, /readyz for probes and GET /metrics for Prometheus.
//   - GET /crawler/status and POST /crawler/{start,stop,update-links}.
//   - POST /imports/{start,stop}.
//   - GET, PUT /schemas/{host} to read and replace a domain schema.
//   - The websocket channel (default /bot) carrying the same commands and
//     broadcasting lifecycle events.
package api
