package bridge

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

func b64u(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func b64uSlice(bs [][]byte) []string {
	if len(bs) == 0 {
		return nil
	}
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b64u(b)
	}
	return out
}

func decodeB64UField(field, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, werrors.Wrap(werrors.InvalidInput, "decode "+field, err)
	}
	return b, nil
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
