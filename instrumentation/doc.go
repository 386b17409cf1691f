// Package instrumentation provides OpenTelemetry metrics and tracing for the
// credential broker.
//
// Instrumentation is optional: when disabled (or not configured) all
// components fall back to no-op providers with zero overhead. The package
// exposes pre-registered instruments for the broker's flows (connect flows,
// code exchanges, token issuance and refresh), upstream platform calls,
// storage operations, and security events.
package instrumentation
