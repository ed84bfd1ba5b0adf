// Package http implements the RPC transport over HTTP.
//
// A request is a POST to /{target} with the serialized message as body, target 0 is the
// monitor and every other target a node id. The client picks the endpoints round robin and
// retries failed attempts with the backoff of the transport package.
//
// The server also exposes the process metrics (VictoriaMetrics registry) on GET /metrics,
// which makes it the transport of choice when the cluster is scraped by Prometheus.
package http
