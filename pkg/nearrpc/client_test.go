package nearrpc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/near-examples/passkey-wallet-engine/pkg/nearrpc"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*nearrpc.Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := nearrpc.New(srv.URL)
	return c, srv.Close
}

func decodeMethod(t *testing.T, r *http.Request) string {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body["method"].(string)
}

func TestViewAccessKeyParsesNonce(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "query", decodeMethod(t, r))
		w.Write([]byte(`{"jsonrpc":"2.0","id":"wallet-engine","result":{"nonce":42,"permission":"FullAccess","block_height":100,"block_hash":"abc"}}`))
	})
	defer closeFn()

	view, err := client.ViewAccessKey(context.Background(), "alice.testnet", "ed25519:abc", nearrpc.FinalityOptimistic)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), view.Nonce)
	assert.Equal(t, uint64(100), view.BlockHeight)
	assert.Equal(t, "abc", view.BlockHash)
}

func TestViewAccessKeyMissingIsAccountMissing(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":"wallet-engine","result":{}}`))
	})
	defer closeFn()

	_, err := client.ViewAccessKey(context.Background(), "ghost.testnet", "ed25519:abc", "")
	require.Error(t, err)
	assert.Equal(t, werrors.AccountMissing, werrors.Classify(err))
}

func TestUnknownAccountErrorClassifiedAsAccountMissing(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":"wallet-engine","error":{"message":"account not found","cause":{"name":"UNKNOWN_ACCOUNT"}}}`))
	})
	defer closeFn()

	_, err := client.ViewAccount(context.Background(), "ghost.testnet", "")
	require.Error(t, err)
	assert.Equal(t, werrors.AccountMissing, werrors.Classify(err))
}

func TestTimeoutErrorClassifiedAsTransient(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":"wallet-engine","error":{"message":"timeout","cause":{"name":"TIMEOUT_ERROR"}}}`))
	})
	defer closeFn()

	_, err := client.ViewBlock(context.Background(), nearrpc.FinalityFinal, "")
	require.Error(t, err)
	assert.True(t, werrors.Transient(err))
}

func TestServerErrorIsTransient(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer closeFn()

	_, err := client.ViewBlock(context.Background(), nearrpc.FinalityFinal, "")
	require.Error(t, err)
	assert.Equal(t, werrors.RpcTransient, werrors.Classify(err))
}

func TestAccountExistsFalseOnMissing(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":"wallet-engine","error":{"message":"account not found","cause":{"name":"UNKNOWN_ACCOUNT"}}}`))
	})
	defer closeFn()

	exists, err := client.AccountExists(context.Background(), "ghost.testnet")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCallFunctionDecodesJSONResult(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		// `{"ok":true}` as byte array.
		w.Write([]byte(`{"jsonrpc":"2.0","id":"wallet-engine","result":{"result":[123,34,111,107,34,58,116,114,117,101,125]}}`))
	})
	defer closeFn()

	out, err := client.CallFunction(context.Background(), "contract.testnet", "get_status", []byte("{}"))
	require.NoError(t, err)
	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, m["ok"])
}

func TestSendTransactionParsesHash(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "send_tx", decodeMethod(t, r))
		w.Write([]byte(`{"jsonrpc":"2.0","id":"wallet-engine","result":{"transaction":{"hash":"txhash123"},"status":{"SuccessValue":""}}}`))
	})
	defer closeFn()

	res, err := client.SendTransaction(context.Background(), []byte{1, 2, 3}, nearrpc.WaitExecuted)
	require.NoError(t, err)
	assert.Equal(t, "txhash123", res.TransactionHash)
}

func TestEmptyBodyIsTransient(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer closeFn()

	_, err := client.ViewBlock(context.Background(), nearrpc.FinalityFinal, "")
	require.Error(t, err)
	assert.Equal(t, werrors.RpcTransient, werrors.Classify(err))
}
