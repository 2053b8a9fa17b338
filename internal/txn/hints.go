package txn

import (
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/yieldos/backend/internal/protocol"
)

var rejectionHints = []struct {
	markers []string
	hint    string
}{
	{
		markers: []string{"already in use"},
		hint:    "the account already exists; a position or order at this address was created earlier",
	},
	{
		markers: []string{"constraintseeds", "seeds constraint", "custom program error: 0x7d6", "custom:2006"},
		hint:    "a derived address does not match the program seeds; check the program id and the strategy or order id",
	},
	{
		markers: []string{"accountnotinitialized", "custom program error: 0xbc4", "custom:3012"},
		hint:    "a required account does not exist yet; initialize the protocol or create the record first",
	},
	{
		markers: []string{"insufficient funds", "insufficient lamports", "insufficient balance", "insufficient yield tokens"},
		hint:    "the signer does not hold enough of the asset or of native balance for fees",
	},
	{
		markers: []string{"strategy is not active", "marketplace is not active"},
		hint:    "the target record has been deactivated by its admin",
	},
	{
		markers: []string{"blockhash not found"},
		hint:    "the blockhash expired before the transaction landed; resubmit",
	},
}

// Hint returns a short explanation for known failure messages, or "".
func Hint(message string) string {
	msg := strings.ToLower(message)
	for _, entry := range rejectionHints {
		for _, marker := range entry.markers {
			if strings.Contains(msg, marker) {
				return entry.hint
			}
		}
	}
	return ""
}

func rejected(sig solana.Signature, message string, cause error) *protocol.RejectedError {
	return &protocol.RejectedError{
		Signature: sig,
		Message:   message,
		Hint:      Hint(message),
		Err:       cause,
	}
}
