package contracts

import (
	"fmt"

	"github.com/google/uuid"
)

// wireReorder is the broker's byte permutation for the "lock-tokens" array
// element of a renew-lock management request: wire[i] = canonical[wireReorder[i]].
// Hard-coded broker compatibility requirement, not derivable from the AMQP
// spec itself.
var wireReorder = [16]int{3, 2, 1, 0, 5, 4, 7, 6, 8, 9, 10, 11, 12, 13, 14, 15}

// LockTokenFromDeliveryTag extracts the canonical UUID string lock token
// from a 16-byte AMQP deliveryTag.
func LockTokenFromDeliveryTag(tag []byte) (string, error) {
	if len(tag) != 16 {
		return "", fmt.Errorf("contracts: deliveryTag must be 16 bytes, got %d", len(tag))
	}
	id, err := uuid.FromBytes(tag)
	if err != nil {
		return "", fmt.Errorf("contracts: invalid deliveryTag: %w", err)
	}
	return id.String(), nil
}

// LockTokenWireBytes reorders a canonical lock-token UUID string into the
// 16-byte layout the broker expects inside a renew-lock request body.
//
// The permutation happens to be an involution (applying it twice returns
// the original byte order) even though it is only ever used in the
// forward direction here: the broker consumes the reordered bytes, it
// never hands them back for us to un-reorder. Preserved as specified
// rather than "corrected" to a directional-looking permutation.
func LockTokenWireBytes(token string) ([16]byte, error) {
	var out [16]byte
	id, err := uuid.Parse(token)
	if err != nil {
		return out, fmt.Errorf("contracts: invalid lock token %q: %w", token, err)
	}
	canonical := id // [16]byte via uuid.UUID
	for i, src := range wireReorder {
		out[i] = canonical[src]
	}
	return out, nil
}
