// Package httpapi is the HTTP surface: the notification WebSocket endpoint,
// the reminder endpoints polled by the automation system, the JWT-protected
// ingest API used by the CRUD application, and the health probe.
package httpapi
