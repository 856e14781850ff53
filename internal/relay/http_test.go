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

func TestHTTPCreateAccountEndToEnd(t *testing.T) {
	rpcSrv := fakeNearRPC(t, 2, successSendTxResponse)
	defer rpcSrv.Close()

	cfg := testConfig(t, rpcSrv.URL)
	o, err := relay.New(cfg, nearrpc.New(rpcSrv.URL), relay.NullStore{}, logging.Default())
	require.NoError(t, err)
	defer o.Close()

	handler := relay.NewServer(o)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	_, newPub, err := ed25519GenerateNearKey()
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{"accountId": "carol.testnet", "publicKey": newPub})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/create_account", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out relay.CreateAccountResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.TransactionHash)
}

// TestHTTPCreateAccountAndRegisterUserWireShape asserts §6.2's
// {success, transactionHash} on-the-wire keys by decoding into a
// map[string]interface{} rather than relay.CreateAccountAndRegisterUserResult,
// so a regression to PascalCase field names fails this test.
func TestHTTPCreateAccountAndRegisterUserWireShape(t *testing.T) {
	rpcSrv := fakeNearRPC(t, 3, successSendTxResponse)
	defer rpcSrv.Close()

	cfg := testConfig(t, rpcSrv.URL)
	o, err := relay.New(cfg, nearrpc.New(rpcSrv.URL), relay.NullStore{}, logging.Default())
	require.NoError(t, err)
	defer o.Close()

	srv := httptest.NewServer(relay.NewServer(o))
	defer srv.Close()

	_, newPub, err := ed25519GenerateNearKey()
	require.NoError(t, err)

	body, err := json.Marshal(map[string]interface{}{
		"new_account_id": "dave.testnet",
		"new_public_key": newPub,
		"vrf_data": map[string]interface{}{
			"vrf_output_b64u": "b3V0cHV0",
			"vrf_proof_b64u":  "cHJvb2Y",
			"user_id":         "dave",
			"rp_id":           "example.com",
			"block_height":    101,
			"block_hash":      fakeHash,
		},
		"webauthn_registration": map[string]interface{}{
			"rawId":             "cmF3aWQ",
			"clientDataJSON":    "Y2xpZW50RGF0YQ",
			"attestationObject": "YXR0ZXN0YXRpb24",
		},
		"deterministic_vrf_public_key": "dGVzdC12cmYtcHVi",
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/create_account_and_register_user", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var wire map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wire))
	require.Equal(t, true, wire["success"])
	require.NotEmpty(t, wire["transactionHash"])
	_, hasPascalCase := wire["TransactionHash"]
	require.False(t, hasPascalCase)
}

// TestHTTPCORSBroadcastsWildcardWithoutCredentials asserts that with no
// AllowedOrigins configured, the relay broadcasts Access-Control-Allow-Origin:
// * and never sets Access-Control-Allow-Credentials, per spec.md §6.2/§8.
func TestHTTPCORSBroadcastsWildcardWithoutCredentials(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	o, err := relay.New(cfg, nearrpc.New(cfg.Near.RPCURL), relay.NullStore{}, logging.Default())
	require.NoError(t, err)
	defer o.Close()

	srv := httptest.NewServer(relay.NewServer(o))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Credentials"))
}

// TestHTTPCORSSpecificOriginGetsCredentials asserts that a configured,
// non-wildcard allowlist echoes the matching Origin, sets Vary: Origin, and
// carries credentials — the opposite posture from the broadcast case.
func TestHTTPCORSSpecificOriginGetsCredentials(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	cfg.CORS.AllowedOrigins = []string{"https://wallet.example.com"}
	o, err := relay.New(cfg, nearrpc.New(cfg.Near.RPCURL), relay.NullStore{}, logging.Default())
	require.NoError(t, err)
	defer o.Close()

	srv := httptest.NewServer(relay.NewServer(o))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://wallet.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "https://wallet.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	require.Contains(t, resp.Header.Values("Vary"), "Origin")
}

func TestHTTPHealthz(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	o, err := relay.New(cfg, nearrpc.New(cfg.Near.RPCURL), relay.NullStore{}, logging.Default())
	require.NoError(t, err)
	defer o.Close()

	srv := httptest.NewServer(relay.NewServer(o))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPRateLimitsRepeatedRequests(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	o, err := relay.New(cfg, nearrpc.New(cfg.Near.RPCURL), relay.NullStore{}, logging.Default())
	require.NoError(t, err)
	defer o.Close()

	srv := httptest.NewServer(relay.NewServer(o))
	defer srv.Close()

	var lastStatus int
	for i := 0; i < 40; i++ {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		lastStatus = resp.StatusCode
		resp.Body.Close()
		if lastStatus == http.StatusTooManyRequests {
			break
		}
	}
	require.Equal(t, http.StatusTooManyRequests, lastStatus)
}
