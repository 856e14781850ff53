package relay_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/near-examples/passkey-wallet-engine/internal/relay"
)

func decodeBody(t *testing.T, raw string) map[string]json.RawMessage {
	t.Helper()
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &body))
	return body
}

func TestResolveShamirFieldAcceptsSnakeCase(t *testing.T) {
	body := decodeBody(t, `{"kek_c_b64u":"abc123"}`)
	v, err := relay.ResolveShamirField(body, "kek_c_b64u", "kekCB64U")
	require.NoError(t, err)
	require.Equal(t, "abc123", v)
}

func TestResolveShamirFieldAcceptsCamelCaseAlias(t *testing.T) {
	body := decodeBody(t, `{"kekCB64U":"abc123"}`)
	v, err := relay.ResolveShamirField(body, "kek_c_b64u", "kekCB64U")
	require.NoError(t, err)
	require.Equal(t, "abc123", v)
}

func TestResolveShamirFieldRejectsMissingField(t *testing.T) {
	body := decodeBody(t, `{}`)
	_, err := relay.ResolveShamirField(body, "kek_c_b64u", "kekCB64U")
	require.Error(t, err)
}

func TestResolveShamirFieldRejectsEmptyValue(t *testing.T) {
	body := decodeBody(t, `{"kek_c_b64u":""}`)
	_, err := relay.ResolveShamirField(body, "kek_c_b64u", "kekCB64U")
	require.Error(t, err)
}
