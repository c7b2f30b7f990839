// Package federation holds the pieces shared by both dispatch directions of
// the federation core: canonical handles (user@host[:port][/path]), the error
// taxonomy, wire dialect tags, retry backoff, the host blocklist and the
// Prometheus metrics.
package federation
