package bridge_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/near-examples/passkey-wallet-engine/internal/bridge"
	"github.com/near-examples/passkey-wallet-engine/pkg/passkey"
)

func TestSanitizeStripsConfirmHandleAndFuncs(t *testing.T) {
	payload := map[string]interface{}{
		"nearAccountId": "alice.testnet",
		"_confirmHandle": func() {},
		"onProgress":      func(string) {},
		"nested": map[string]interface{}{
			"_confirmHandle": 1,
			"keep":           "value",
		},
	}

	out := bridge.Sanitize(payload)

	require.Equal(t, "alice.testnet", out["nearAccountId"])
	require.NotContains(t, out, "_confirmHandle")
	require.NotContains(t, out, "onProgress")
	nested, ok := out["nested"].(map[string]interface{})
	require.True(t, ok)
	require.NotContains(t, nested, "_confirmHandle")
	require.Equal(t, "value", nested["keep"])
}

func TestSanitizeLeavesOrdinaryPayloadsUntouched(t *testing.T) {
	payload := map[string]interface{}{"a": 1, "b": "two"}
	out := bridge.Sanitize(payload)
	require.Equal(t, payload, out)
}

func TestChannelTransportRoundTrip(t *testing.T) {
	parent, wallet := bridge.NewChannelPair(1)
	ctx := context.Background()

	env := bridge.Envelope{Type: bridge.TypeLogin, RequestID: "r1"}
	require.NoError(t, parent.Send(ctx, env))

	select {
	case got := <-wallet.Receive():
		require.Equal(t, env.Type, got.Type)
		require.Equal(t, env.RequestID, got.RequestID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestChannelTransportSendAfterCloseErrors(t *testing.T) {
	parent, wallet := bridge.NewChannelPair(0)
	require.NoError(t, parent.Close())

	err := wallet.Send(context.Background(), bridge.Envelope{Type: bridge.TypePong})
	require.Error(t, err)
}

func TestChannelTransportSendRespectsContextCancellation(t *testing.T) {
	parent, _ := bridge.NewChannelPair(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := parent.Send(ctx, bridge.Envelope{Type: bridge.TypePong})
	require.Error(t, err)
}

func TestEnvelopeRoundTripsThroughJSON(t *testing.T) {
	env := bridge.Envelope{
		Type:      bridge.TypeSignNep413,
		RequestID: "req-1",
		Payload:   json.RawMessage(`{"message":"hello"}`),
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded bridge.Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, env.Type, decoded.Type)
	require.Equal(t, env.RequestID, decoded.RequestID)
	require.JSONEq(t, string(env.Payload), string(decoded.Payload))
}

func TestHostRoundTripCollectorGetAssertion(t *testing.T) {
	toHost, toCollector := bridge.NewChannelPair(4)
	collector := bridge.NewHostRoundTripCollector(toCollector, 2*time.Second)

	// A Bridge.Run loop normally drains Receive() and offers every
	// envelope to the ResponseRouter before dispatching; simulate that
	// here so the host's reply actually reaches the collector.
	go func() {
		for env := range toCollector.Receive() {
			collector.HandleResponse(env)
		}
	}()

	// Simulate the host page: read the WM_GET_ASSERTION request, reply
	// with a fixed assertion result carrying the same requestId.
	go func() {
		req := <-toHost.Receive()
		require.Equal(t, bridge.TypeGetAssertion, req.Type)

		reply, err := json.Marshal(map[string]interface{}{
			"ok":                  true,
			"rawIdB64U":           "cmF3aWQ",
			"clientDataJSONB64U":  "Y2xpZW50",
			"authenticatorDataB64U": "YXV0aA",
			"signatureB64U":       "c2ln",
			"prfFirstB64U":        "cHJmMQ",
			"prfSupported":        true,
		})
		require.NoError(t, err)
		require.NoError(t, toHost.Send(context.Background(), bridge.Envelope{
			Type:      bridge.TypeAssertionResult,
			RequestID: req.RequestID,
			Payload:   reply,
		}))
	}()

	result, err := collector.GetAssertion(passkey.AssertionOptions{RPID: "example.com", Challenge: []byte("chal")})
	require.NoError(t, err)
	require.True(t, result.PRFSupported)
	require.NotEmpty(t, result.RawID)
	require.NotEmpty(t, result.PRF.First)
}

func TestHostRoundTripCollectorGetAssertionTimesOut(t *testing.T) {
	_, toCollector := bridge.NewChannelPair(1)
	collector := bridge.NewHostRoundTripCollector(toCollector, 50*time.Millisecond)

	_, err := collector.GetAssertion(passkey.AssertionOptions{RPID: "example.com", Challenge: []byte("chal")})
	require.Error(t, err)
}

func TestHostRoundTripCollectorIgnoresUnrelatedEnvelopes(t *testing.T) {
	toHost, toCollector := bridge.NewChannelPair(1)
	collector := bridge.NewHostRoundTripCollector(toCollector, time.Second)

	consumed := collector.HandleResponse(bridge.Envelope{Type: bridge.TypeLogin, RequestID: "unrelated"})
	require.False(t, consumed)
	_ = toHost
}
