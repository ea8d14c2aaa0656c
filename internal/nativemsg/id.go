package nativemsg

import "github.com/oklog/ulid/v2"

// NewMessageID creates a unique message id for request correlation.
func NewMessageID() string {
	return ulid.Make().String()
}
