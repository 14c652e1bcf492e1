// Package server implements the connection, presence, and fan-out core of
// chatrelay.
//
// Connections are authenticated on the WebSocket handshake, registered in the
// presence table, and served by per-connection read/write pumps. One hub
// event loop serializes registration, deregistration, message delivery, and
// roster broadcasts; the durable stores are reached through narrow interfaces
// so the core stays testable.
package server
