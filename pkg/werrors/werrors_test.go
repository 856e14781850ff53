package werrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

func TestClassifyDirect(t *testing.T) {
	err := werrors.New(werrors.IntentMismatch, "digest differs")
	assert.Equal(t, werrors.IntentMismatch, werrors.Classify(err))
	assert.True(t, werrors.Is(err, werrors.IntentMismatch))
}

func TestClassifyWrapped(t *testing.T) {
	cause := errors.New("boom")
	err := werrors.Wrap(werrors.RpcTransient, "timeout", cause)
	wrapped := errors.New("outer: " + err.Error())
	_ = wrapped

	assert.Equal(t, werrors.RpcTransient, werrors.Classify(err))
	require.ErrorIs(t, err, cause)
	assert.True(t, werrors.Transient(err))
}

func TestClassifyUnknown(t *testing.T) {
	assert.Equal(t, werrors.Unknown, werrors.Classify(errors.New("plain")))
	assert.Equal(t, werrors.Kind(""), werrors.Classify(nil))
	assert.False(t, werrors.Transient(errors.New("plain")))
}
