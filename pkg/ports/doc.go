// Package ports hands out loopback host ports for terminal containers
// from a fixed range, lowest-first. Release is idempotent and a release
// outside the range is logged, never fatal.
package ports
