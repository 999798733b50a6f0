// Package websocket streams execution progress from the tracker to
// WebSocket clients.
package websocket
