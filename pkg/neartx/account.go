package neartx

import (
	"regexp"
	"strings"

	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// AccountId is a validated NEAR account identifier.
type AccountId string

var accountIdPattern = regexp.MustCompile(`^[a-z0-9_.-]{2,64}$`)

// ValidateAccountId enforces spec.md §3's AccountId invariant: non-empty
// lowercase [a-z0-9_.-]{2..64}, including at least one '.'.
func ValidateAccountId(id string) (AccountId, error) {
	if !accountIdPattern.MatchString(id) {
		return "", werrors.New(werrors.InvalidInput, "account id must be lowercase [a-z0-9_.-]{2,64}")
	}
	if !strings.Contains(id, ".") {
		return "", werrors.New(werrors.InvalidInput, "account id must include at least one '.'")
	}
	return AccountId(id), nil
}

// String implements fmt.Stringer.
func (a AccountId) String() string { return string(a) }
