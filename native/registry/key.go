package registry

import (
	"github.com/ethereum/go-ethereum/common"
	"lukechampine.com/blake3"
)

// Key identifies a position. At most one position exists per key.
type Key struct {
	Converter       common.Address
	User            common.Address
	CollateralAsset common.Address
	BorrowAsset     common.Address
}

// Validate rejects keys with zero components.
func (k Key) Validate() error {
	for _, addr := range []common.Address{k.Converter, k.User, k.CollateralAsset, k.BorrowAsset} {
		if addr == (common.Address{}) {
			return ErrInvalidKey
		}
	}
	if k.CollateralAsset == k.BorrowAsset {
		return ErrInvalidKey
	}
	return nil
}

// Hash is the blake3 digest of the concatenated key components.
func (k Key) Hash() [32]byte {
	buf := make([]byte, 0, 4*common.AddressLength)
	buf = append(buf, k.Converter.Bytes()...)
	buf = append(buf, k.User.Bytes()...)
	buf = append(buf, k.CollateralAsset.Bytes()...)
	buf = append(buf, k.BorrowAsset.Bytes()...)
	return blake3.Sum256(buf)
}

// PositionAddress derives the custody address of the position from the
// last 20 bytes of the key hash.
func (k Key) PositionAddress() common.Address {
	h := k.Hash()
	return common.BytesToAddress(h[12:])
}
