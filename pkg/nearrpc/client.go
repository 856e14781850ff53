// Package nearrpc implements the NEAR JSON-RPC client described in
// spec.md §4.C: query/view methods, block/access-key lookups, function
// calls, and signed-transaction submission, with error classification into
// the werrors kinds the rest of the engine expects.
//
// Grounded on infrastructure/httputil/client.go's client-construction
// conventions. Each call is made once: transient failures are returned as
// RpcTransient and are not retried here, nor by internal/noncemgr's fetch.
package nearrpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// Client is a thin JSON-RPC 2.0 client bound to a single NEAR RPC endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client (e.g. to inject a
// shorter timeout in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New builds a Client against baseURL (e.g. https://rpc.testnet.near.org).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// Finality selects the NEAR finality level for view queries.
type Finality string

const (
	FinalityOptimistic Finality = "optimistic"
	FinalityFinal      Finality = "final"
)

// call executes one JSON-RPC request and returns the raw "result" field as
// a gjson.Result, classifying transport and protocol failures into
// werrors kinds.
func (c *Client) call(ctx context.Context, method string, params interface{}) (gjson.Result, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "wallet-engine", Method: method, Params: params})
	if err != nil {
		return gjson.Result{}, werrors.Wrap(werrors.InvalidInput, "encode rpc request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, werrors.Wrap(werrors.RpcFatal, "build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (including client-side timeouts) are transient per
		// spec.md §4.C.
		return gjson.Result{}, werrors.Wrap(werrors.RpcTransient, "rpc transport error", err)
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return gjson.Result{}, werrors.Wrap(werrors.RpcTransient, "read rpc response body", err)
	}
	raw := buf.Bytes()

	if len(raw) == 0 {
		return gjson.Result{}, werrors.New(werrors.RpcTransient, "empty rpc response body")
	}
	if resp.StatusCode >= 500 {
		return gjson.Result{}, werrors.New(werrors.RpcTransient, "rpc server error: "+resp.Status)
	}
	if resp.StatusCode >= 400 {
		return gjson.Result{}, werrors.New(werrors.RpcFatal, "rpc client error: "+resp.Status)
	}

	parsed := gjson.ParseBytes(raw)
	if errField := parsed.Get("error"); errField.Exists() {
		return gjson.Result{}, classifyRPCError(errField)
	}
	result := parsed.Get("result")
	if nested := result.Get("error"); nested.Exists() && nested.String() != "" {
		return gjson.Result{}, classifyNestedError(nested.String())
	}
	return result, nil
}

// classifyRPCError maps a top-level JSON-RPC "error" object to a werrors
// Kind using the NEAR "cause.name" convention where available.
func classifyRPCError(errField gjson.Result) error {
	name := errField.Get("cause.name").String()
	message := errField.Get("message").String()
	if message == "" {
		message = errField.Raw
	}
	switch name {
	case "UNKNOWN_ACCOUNT":
		return werrors.New(werrors.AccountMissing, message)
	case "TIMEOUT_ERROR", "UNKNOWN_BLOCK", "NO_SYNCED_BLOCKS":
		return werrors.New(werrors.RpcTransient, message)
	case "":
		return werrors.New(werrors.RpcFatal, message)
	default:
		return werrors.New(werrors.RpcFatal, name+": "+message)
	}
}

func classifyNestedError(message string) error {
	return werrors.New(werrors.RpcFatal, message)
}

// AccessKeyView is the parsed result of ViewAccessKey.
type AccessKeyView struct {
	Nonce       uint64
	Permission  string
	BlockHeight uint64
	BlockHash   string
}

// ViewAccessKey looks up the access key's current nonce and the block it
// was observed at, feeding internal/noncemgr's AccessKeyCache.
func (c *Client) ViewAccessKey(ctx context.Context, accountID, publicKey string, finality Finality) (AccessKeyView, error) {
	if finality == "" {
		finality = FinalityOptimistic
	}
	result, err := c.call(ctx, "query", map[string]interface{}{
		"request_type": "view_access_key",
		"finality":     string(finality),
		"account_id":   accountID,
		"public_key":   publicKey,
	})
	if err != nil {
		return AccessKeyView{}, err
	}
	if !result.Get("nonce").Exists() {
		return AccessKeyView{}, werrors.New(werrors.AccountMissing, "access key not found for "+accountID)
	}
	return AccessKeyView{
		Nonce:       uint64(result.Get("nonce").Int()),
		Permission:  result.Get("permission").Raw,
		BlockHeight: uint64(result.Get("block_height").Int()),
		BlockHash:   result.Get("block_hash").String(),
	}, nil
}

// AccessKeyListEntry is one entry from ViewAccessKeyList.
type AccessKeyListEntry struct {
	PublicKey string
	Nonce     uint64
}

// ViewAccessKeyList lists every access key registered to accountID.
func (c *Client) ViewAccessKeyList(ctx context.Context, accountID string, finality Finality) ([]AccessKeyListEntry, error) {
	if finality == "" {
		finality = FinalityOptimistic
	}
	result, err := c.call(ctx, "query", map[string]interface{}{
		"request_type": "view_access_key_list",
		"finality":     string(finality),
		"account_id":   accountID,
	})
	if err != nil {
		return nil, err
	}
	var out []AccessKeyListEntry
	for _, k := range result.Get("keys").Array() {
		out = append(out, AccessKeyListEntry{
			PublicKey: k.Get("public_key").String(),
			Nonce:     uint64(k.Get("access_key.nonce").Int()),
		})
	}
	return out, nil
}

// AccountView is the parsed result of ViewAccount.
type AccountView struct {
	Amount    string
	Locked    string
	CodeHash  string
	StorageUsage uint64
	Exists    bool
}

// ViewAccount looks up an account; a missing account is reported via
// AccountMissing rather than as an AccountView with Exists=false, so
// callers that want existence-as-a-bool (e.g. relay CreateAccount) should
// use AccountExists instead.
func (c *Client) ViewAccount(ctx context.Context, accountID string, finality Finality) (AccountView, error) {
	if finality == "" {
		finality = FinalityOptimistic
	}
	result, err := c.call(ctx, "query", map[string]interface{}{
		"request_type": "view_account",
		"finality":     string(finality),
		"account_id":   accountID,
	})
	if err != nil {
		return AccountView{}, err
	}
	return AccountView{
		Amount:       result.Get("amount").String(),
		Locked:       result.Get("locked").String(),
		CodeHash:     result.Get("code_hash").String(),
		StorageUsage: uint64(result.Get("storage_usage").Int()),
		Exists:       true,
	}, nil
}

// AccountExists reports whether accountID exists on chain, treating
// AccountMissing as a clean false rather than an error.
func (c *Client) AccountExists(ctx context.Context, accountID string) (bool, error) {
	_, err := c.ViewAccount(ctx, accountID, FinalityOptimistic)
	if err == nil {
		return true, nil
	}
	if werrors.Is(err, werrors.AccountMissing) {
		return false, nil
	}
	return false, err
}

// BlockView is the parsed result of ViewBlock.
type BlockView struct {
	Height uint64
	Hash   string
}

// ViewBlock resolves the header for a given finality (preferred) or
// explicit block id.
func (c *Client) ViewBlock(ctx context.Context, finality Finality, blockID string) (BlockView, error) {
	params := map[string]interface{}{}
	if blockID != "" {
		params["block_id"] = blockID
	} else {
		if finality == "" {
			finality = FinalityFinal
		}
		params["finality"] = string(finality)
	}
	result, err := c.call(ctx, "block", params)
	if err != nil {
		return BlockView{}, err
	}
	return BlockView{
		Height: uint64(result.Get("header.height").Int()),
		Hash:   result.Get("header.hash").String(),
	}, nil
}

// CallFunction invokes a read-only contract view method and returns the
// decoded result: bytes -> UTF-8 -> JSON.parse with fallback to the
// trimmed string, per spec.md §4.C.
func (c *Client) CallFunction(ctx context.Context, contractID, method string, args []byte) (interface{}, error) {
	result, err := c.call(ctx, "query", map[string]interface{}{
		"request_type": "call_function",
		"finality":     string(FinalityOptimistic),
		"account_id":   contractID,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(args),
	})
	if err != nil {
		return nil, err
	}
	var raw []byte
	for _, b := range result.Get("result").Array() {
		raw = append(raw, byte(b.Int()))
	}
	text := string(raw)
	var parsed interface{}
	if jsonErr := json.Unmarshal(raw, &parsed); jsonErr == nil {
		return parsed, nil
	}
	return trimString(text), nil
}

func trimString(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// WaitUntil selects how long send_tx blocks before returning, per
// spec.md §6.1.
type WaitUntil string

const (
	WaitNone              WaitUntil = "NONE"
	WaitIncluded          WaitUntil = "INCLUDED"
	WaitIncludedFinal     WaitUntil = "INCLUDED_FINAL"
	WaitExecuted          WaitUntil = "EXECUTED"
	WaitFinal             WaitUntil = "FINAL"
	WaitExecutedOptimistic WaitUntil = "EXECUTED_OPTIMISTIC"
)

// SendTxResult is the parsed send_tx outcome.
type SendTxResult struct {
	TransactionHash      string
	FinalExecutionStatus string
	SuccessValue         string
	FailureRaw           string
	Logs                 []string
}

// Succeeded reports whether the transaction's status carries a
// SuccessValue rather than a Failure, per NEAR's FinalExecutionStatus
// shape.
func (r SendTxResult) Succeeded() bool {
	return r.FailureRaw == ""
}

// SendTransaction submits BORSH-encoded signed transaction bytes and
// collects every receipt's logs, so callers (e.g. the relay orchestrator)
// can scan for contract-emitted markers like "ERR_ACCOUNT_ALREADY_EXISTS"
// alongside the execution status.
func (c *Client) SendTransaction(ctx context.Context, signedTxBorsh []byte, waitUntil WaitUntil) (SendTxResult, error) {
	if waitUntil == "" {
		waitUntil = WaitExecuted
	}
	result, err := c.call(ctx, "send_tx", map[string]interface{}{
		"signed_tx_base64": base64.StdEncoding.EncodeToString(signedTxBorsh),
		"wait_until":       string(waitUntil),
	})
	if err != nil {
		return SendTxResult{}, err
	}
	out := SendTxResult{
		TransactionHash:      result.Get("transaction.hash").String(),
		FinalExecutionStatus: result.Get("status").Raw,
		SuccessValue:         result.Get("status.SuccessValue").String(),
		FailureRaw:           result.Get("status.Failure").Raw,
	}
	for _, r := range result.Get("receipts_outcome").Array() {
		for _, l := range r.Get("outcome.logs").Array() {
			out.Logs = append(out.Logs, l.String())
		}
	}
	return out, nil
}
