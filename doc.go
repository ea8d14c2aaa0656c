// Package fido2bridge connects a password vault's FIDO2 machinery to its
// user interface and to browser-side native messaging hosts.
//
// Two engines live here. The session broker ([NewBroker]) runs credential
// ceremonies: each ceremony gets a session that opens a companion UI
// surface on demand, exchanges typed messages with it over a shared
// broadcast bus, and tears everything down on completion or abort. The
// native client ([NewNativeClient]) talks to a worker process over framed
// stdio: 4-byte little-endian length prefixes around UTF-8 JSON, with
// request/response correlation by messageId and per-message timeouts.
//
// Basic ceremony usage:
//
//	broker, err := fido2bridge.NewBroker(auth, opener)
//	if err != nil {
//		return err
//	}
//
//	session, err := broker.NewSession(ctx, true)
//	if err != nil {
//		return err
//	}
//	defer session.Close()
//
//	result, err := session.PickCredential(ctx, cipherIDs, true)
package fido2bridge
