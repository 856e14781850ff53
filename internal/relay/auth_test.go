package relay_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/near-examples/passkey-wallet-engine/internal/relay"
	"github.com/near-examples/passkey-wallet-engine/pkg/logging"
	"github.com/near-examples/passkey-wallet-engine/pkg/nearrpc"
)

func verifyAuthBody(sessionKind string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"sessionKind":     sessionKind,
		"near_account_id": "carol.testnet",
		"vrf_data": map[string]interface{}{
			"vrf_output_b64u": "b3V0cHV0",
			"vrf_proof_b64u":  "cHJvb2Y",
			"user_id":         "carol",
			"rp_id":           "example.com",
			"block_height":    101,
			"block_hash":      fakeHash,
		},
		"webauthn_authentication": map[string]interface{}{
			"rawId":          "cmF3aWQ",
			"clientDataJSON": "Y2xpZW50RGF0YQ",
		},
	})
	return body
}

// TestHTTPVerifyAuthenticationResponseJWTSessionKind asserts §6.2's on-the-wire
// {success, verified, jwt} shape for sessionKind:"jwt" — decoding into a
// map[string]interface{} (not relay.VerifyAuthenticationResponseResult) so a
// drift back to PascalCase field names would fail this test.
func TestHTTPVerifyAuthenticationResponseJWTSessionKind(t *testing.T) {
	rpcSrv := fakeNearRPC(t, 1, successSendTxResponse)
	defer rpcSrv.Close()

	cfg := testConfig(t, rpcSrv.URL)
	o, err := relay.New(cfg, nearrpc.New(rpcSrv.URL), relay.NullStore{}, logging.Default())
	require.NoError(t, err)
	defer o.Close()

	srv := httptest.NewServer(relay.NewServer(o))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/verify-authentication-response", "application/json", bytes.NewReader(verifyAuthBody("jwt")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var wire map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wire))
	require.Contains(t, wire, "success")
	require.Contains(t, wire, "verified")
	require.Equal(t, true, wire["success"])
	require.Equal(t, true, wire["verified"])
	require.NotEmpty(t, wire["jwt"])

	var cookieNames []string
	for _, c := range resp.Cookies() {
		cookieNames = append(cookieNames, c.Name)
	}
	require.NotContains(t, cookieNames, "w3a_session", "sessionKind:jwt must not set the session cookie")
}

// TestHTTPVerifyAuthenticationResponseCookieSessionKind asserts that
// sessionKind:"cookie" omits jwt from the response body and always sets the
// w3a_session cookie with Max-Age=86400, per spec.md §6.2.
func TestHTTPVerifyAuthenticationResponseCookieSessionKind(t *testing.T) {
	rpcSrv := fakeNearRPC(t, 1, successSendTxResponse)
	defer rpcSrv.Close()

	cfg := testConfig(t, rpcSrv.URL)
	o, err := relay.New(cfg, nearrpc.New(rpcSrv.URL), relay.NullStore{}, logging.Default())
	require.NoError(t, err)
	defer o.Close()

	srv := httptest.NewServer(relay.NewServer(o))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/verify-authentication-response", "application/json", bytes.NewReader(verifyAuthBody("cookie")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var wire map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wire))
	require.Equal(t, true, wire["success"])
	require.Equal(t, true, wire["verified"])
	_, hasJWT := wire["jwt"]
	require.False(t, hasJWT, "sessionKind:cookie must omit jwt from the response body")

	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "w3a_session" {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie, "sessionKind:cookie must always set the w3a_session cookie")
	require.NotEmpty(t, sessionCookie.Value)
	require.Equal(t, 86400, sessionCookie.MaxAge)
	require.True(t, sessionCookie.HttpOnly)
}
