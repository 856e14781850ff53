package relay

import (
	"encoding/json"

	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// ResolveShamirField decodes a single Shamir protocol field from a raw
// JSON request body, accepting either the canonical snake_case wire name
// or its camelCase alias — per SPEC_FULL.md's resolution of the spec's
// open question on field naming at the HTTP boundary: external callers
// that generated a camelCase client independently of this service should
// not be rejected for it. Internal callers (tests, other Go code) use the
// typed request structs directly and never go through this path.
func ResolveShamirField(body map[string]json.RawMessage, snakeCase, camelCase string) (string, error) {
	raw, ok := body[snakeCase]
	if !ok {
		raw, ok = body[camelCase]
	}
	if !ok {
		return "", werrors.New(werrors.InvalidInput, "missing required field: "+snakeCase)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", werrors.Wrap(werrors.InvalidInput, "decode field "+snakeCase, err)
	}
	if s == "" {
		return "", werrors.New(werrors.InvalidInput, "field "+snakeCase+" must not be empty")
	}
	return s, nil
}
