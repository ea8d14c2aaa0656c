// Package fido2 implements the session broker for UI-delegated credential
// ceremonies.
//
// A background caller creates one session per ceremony. The session lazily
// opens a companion surface (popup window or tab), exchanges typed protocol
// messages with it over the process-wide broadcast bus, and guarantees
// teardown on completion, abort, or surface closure. Many sessions run
// concurrently; every inbound message is filtered by exact session id match
// before any type-based handling, so sessions never observe each other's
// traffic.
package fido2
