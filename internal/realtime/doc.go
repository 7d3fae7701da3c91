// Package realtime pushes domain events to live notification connections.
//
// A Registry tracks every connection and its authentication claims. The
// Broadcaster routes an event to the matching subset (tenant, tenant+role or
// user) by iterating a registry snapshot and handing one pre-encoded message
// to each transport without blocking. Handler serves the WebSocket endpoint,
// and Relay optionally mirrors published events to other instances through
// Redis pub/sub.
//
// Delivery is best-effort: there is no acknowledgment, replay or queueing for
// disconnected clients.
package realtime
