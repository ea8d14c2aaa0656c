// Package nativemsg implements the framed IPC client for the native
// messaging worker process.
//
// The client owns one worker process connection. Outbound messages are
// framed with a 4-byte little-endian length prefix (see internal/frame),
// inbound bytes are reassembled into discrete JSON messages, and responses
// are correlated to pending requests by their messageId field. Reserved
// commands ("connected", "disconnected") drive the connection state machine;
// anything unmatched goes to the unsolicited-message handler.
package nativemsg
