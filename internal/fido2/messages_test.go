package fido2

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hushvault/fido2-bridge-go/internal/errors"
)

func TestMarshal_InjectsTypeTag(t *testing.T) {
	data, err := Marshal(&PickCredentialRequest{
		SessionID:         "s1",
		CipherIDs:         []string{"c1", "c2"},
		UserVerification:  true,
		FallbackSupported: true,
	})
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))

	require.Equal(t, "PickCredentialRequest", obj["type"])
	require.Equal(t, "s1", obj["sessionId"])
	require.Equal(t, []any{"c1", "c2"}, obj["cipherIds"])
	require.Equal(t, true, obj["userVerification"])
	require.Equal(t, true, obj["fallbackSupported"])
}

func TestUnmarshal_RoundTrip(t *testing.T) {
	original := []Message{
		&ConnectResponse{SessionID: "s1"},
		&NewSessionCreatedRequest{SessionID: "s2"},
		&PickCredentialResponse{SessionID: "s3", CipherID: "c1", UserVerified: true},
		&InformExcludedCredentialRequest{SessionID: "s4", ExistingCipherIDs: []string{"c9"}},
		&AbortResponse{SessionID: "s5", FallbackRequested: true},
	}

	for _, msg := range original {
		data, err := Marshal(msg)
		require.NoError(t, err)

		decoded, err := Unmarshal(data)
		require.NoError(t, err)
		require.Equal(t, msg, decoded)
	}
}

func TestUnmarshal_UnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"FlyToTheMoonRequest","sessionId":"s1"}`))
	require.ErrorIs(t, err, errors.ErrUnknownMessageType)
}

func TestUnmarshal_InvalidJSON(t *testing.T) {
	_, err := Unmarshal([]byte(`{`))
	require.Error(t, err)
}

func TestCeremonyRoute(t *testing.T) {
	tests := []struct {
		name   string
		status AuthStatus
		want   string
	}{
		{"unlocked goes to ceremony view", AuthUnlocked, "/fido2?fallbackSupported=true&sessionId=s1"},
		{"locked goes to unlock view", AuthLocked, "/lock?fallbackSupported=true&sessionId=s1"},
		{"logged out goes to login view", AuthLoggedOut, "/home?fallbackSupported=true&sessionId=s1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ceremonyRoute(tt.status, "s1", true))
		})
	}
}

func TestCeremonyRoute_FallbackFlag(t *testing.T) {
	require.Equal(t, "/fido2?fallbackSupported=false&sessionId=s1", ceremonyRoute(AuthUnlocked, "s1", false))
}
