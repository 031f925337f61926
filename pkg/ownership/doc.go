// Package ownership persists which user owns which session in a bbolt
// bucket, so ownership survives server restarts and the registry can
// re-adopt containers it finds running. Malformed records are dropped
// with a warning on iteration rather than failing the load.
package ownership
