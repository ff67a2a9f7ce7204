// Package gateway implements the offline cache gateway: it classifies every
// intercepted read request into a traffic class, applies that class's caching
// strategy against the versioned disk partitions, and exposes the lifecycle
// transitions (install, activate), the page-facing control messages
// (SKIP_WAITING, GET_VERSION, CLEAR_CACHE) and the background-sync drain as
// explicit methods. A thin hosting adapter (internal/server) translates HTTP
// traffic into these calls, so every strategy decision stays unit-testable
// without the hosting runtime. Unrecovered failures propagate to the caller
// as failed results; the gateway never fabricates a success response.
package gateway
