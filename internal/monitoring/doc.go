// Package monitoring exposes Prometheus metrics for sessions, HTTP requests
// and websocket clients.
//
// Metrics is registered as one of the registry's notifiers:
//
//	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer, reg.ActiveCount)
//	notifier := session.Notifiers(hub, metrics)
package monitoring
