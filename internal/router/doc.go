// Package router maps vectors to their nearest partitions.
//
// The router keeps partition centroids in groups of at most GroupSize. Each
// group carries the mean of its members. Routing scores the group means,
// probes groups nearest first until fanout*GroupProbe members have been
// collected and scores those members exactly. With a single group routing is
// a flat scan.
//
// Every mutation builds a new immutable snapshot and publishes it with an
// atomic pointer swap. Readers never block and always see either the state
// before or after a mutation.
package router
