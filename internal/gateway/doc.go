// Package gateway implements the WebSocket and HTTP transport layer for
// Fireside.
//
// The gateway owns the process's presence engine and voice relay, translates
// client JSON frames into calls on them, and fans their event streams back
// out to live sockets. The implementation is organized into specialized files
// for configuration, hub management, sessions, routing, and HTTP handlers to
// keep the codebase maintainable and testable as the project grows.
package gateway
