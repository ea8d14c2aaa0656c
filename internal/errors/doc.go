// Package errors defines the error taxonomy shared by the session broker
// and the native messaging client.
//
// Sentinel errors cover conditions callers branch on with errors.Is; typed
// errors carry context recovered with errors.As.
package errors
