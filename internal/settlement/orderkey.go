package settlement

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// OrderKey maps an order's UUID to the bytes32 key used by the escrow
// contract. The contract never sees the UUID itself, only its keccak256
// hash, so key size is fixed regardless of ID format.
func OrderKey(orderID string) common.Hash {
	return crypto.Keccak256Hash([]byte(orderID))
}
