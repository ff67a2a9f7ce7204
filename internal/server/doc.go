// Package server hosts the Fiber HTTP service and request middleware chain
// that bridges client traffic into the offline cache gateway. It keeps the
// hosting runtime deliberately thin: every request is translated into a
// platform-neutral http.Request, handed to the gateway, and the gateway's
// result is streamed back verbatim. Diagnostics and control endpoints live
// under the /-/ prefix and bypass the gateway entirely. Future phases may
// extend this package with TLS or admin surfaces, so keep exports narrow and
// accept explicit dependencies.
package server
