// Package observability provides structured logging and Prometheus metrics
// for the identity service and its client library.
//
// This package implements:
//   - zap logger construction from level/format settings
//   - Request-scoped loggers carrying the request ID
//   - Counters and histograms for logins, refreshes, policy decisions and
//     provisioning
//
// Every recording method is safe to call on a nil *Metrics.
package observability
