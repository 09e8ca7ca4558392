package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrUnknownAsset            = errors.New("token: unknown asset")
	ErrAssetExists             = errors.New("token: asset already registered")
	ErrInvalidAmount           = errors.New("token: invalid amount")
	ErrTransferExceedsBalance  = errors.New("token: transfer amount exceeds balance")
	ErrBalanceOverflow         = errors.New("token: balance overflow")
	ErrInvalidSymbol           = errors.New("token: symbol required")
	ErrZeroAddress             = errors.New("token: zero address")
	errUnknownSnapshotRevision = errors.New("token: unknown snapshot revision")
)

// Asset describes a fungible token tracked by the ledger.
type Asset struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

type balances map[common.Address]*uint256.Int

// Ledger is an in-process multi-asset token ledger with 256-bit overflow
// checked balances. It keeps a stack of revisions so callers can roll back a
// failed multi-step operation.
type Ledger struct {
	mu        sync.RWMutex
	assets    map[common.Address]Asset
	bySymbol  map[string]common.Address
	balances  map[common.Address]balances
	supply    map[common.Address]*uint256.Int
	revisions []ledgerRevision
}

type ledgerRevision struct {
	balances map[common.Address]balances
	supply   map[common.Address]*uint256.Int
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		assets:   make(map[common.Address]Asset),
		bySymbol: make(map[string]common.Address),
		balances: make(map[common.Address]balances),
		supply:   make(map[common.Address]*uint256.Int),
	}
}

// RegisterAsset adds a token to the ledger.
func (l *Ledger) RegisterAsset(asset Asset) error {
	if asset.Address == (common.Address{}) {
		return ErrZeroAddress
	}
	symbol := strings.ToUpper(strings.TrimSpace(asset.Symbol))
	if symbol == "" {
		return ErrInvalidSymbol
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.assets[asset.Address]; ok {
		return ErrAssetExists
	}
	if _, ok := l.bySymbol[symbol]; ok {
		return ErrAssetExists
	}
	asset.Symbol = symbol
	l.assets[asset.Address] = asset
	l.bySymbol[symbol] = asset.Address
	l.balances[asset.Address] = make(balances)
	l.supply[asset.Address] = new(uint256.Int)
	return nil
}

// Asset returns the metadata of a registered token.
func (l *Ledger) Asset(addr common.Address) (Asset, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	asset, ok := l.assets[addr]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, addr.Hex())
	}
	return asset, nil
}

// AssetBySymbol resolves a token by its upper-cased symbol.
func (l *Ledger) AssetBySymbol(symbol string) (Asset, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	addr, ok := l.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return l.assets[addr], nil
}

// Decimals returns the decimals of a registered token.
func (l *Ledger) Decimals(_ context.Context, asset common.Address) (uint8, error) {
	meta, err := l.Asset(asset)
	if err != nil {
		return 0, err
	}
	return meta.Decimals, nil
}

// BalanceOf returns the holder's balance of asset.
func (l *Ledger) BalanceOf(_ context.Context, asset, holder common.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	book, ok := l.balances[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	bal, ok := book[holder]
	if !ok {
		return big.NewInt(0), nil
	}
	return bal.ToBig(), nil
}

// TotalSupply returns the minted supply of asset.
func (l *Ledger) TotalSupply(asset common.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	supply, ok := l.supply[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	return supply.ToBig(), nil
}

// Mint credits newly created tokens to holder.
func (l *Ledger) Mint(asset, to common.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	book, ok := l.balances[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	supply, overflow := new(uint256.Int).AddOverflow(l.supply[asset], value)
	if overflow {
		return ErrBalanceOverflow
	}
	bal, overflow := new(uint256.Int).AddOverflow(balanceOf(book, to), value)
	if overflow {
		return ErrBalanceOverflow
	}
	l.supply[asset] = supply
	book[to] = bal
	return nil
}

// Transfer moves amount of asset between holders.
func (l *Ledger) Transfer(_ context.Context, asset, from, to common.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	book, ok := l.balances[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	fromBal := balanceOf(book, from)
	if fromBal.Lt(value) {
		return fmt.Errorf("%w: %s holds %s, need %s", ErrTransferExceedsBalance, from.Hex(), fromBal.Dec(), value.Dec())
	}
	if from == to {
		return nil
	}
	toBal, overflow := new(uint256.Int).AddOverflow(balanceOf(book, to), value)
	if overflow {
		return ErrBalanceOverflow
	}
	book[from] = new(uint256.Int).Sub(fromBal, value)
	book[to] = toBal
	return nil
}

// Snapshot records the current balances and returns the revision id.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	rev := ledgerRevision{
		balances: make(map[common.Address]balances, len(l.balances)),
		supply:   make(map[common.Address]*uint256.Int, len(l.supply)),
	}
	for asset, book := range l.balances {
		copied := make(balances, len(book))
		for holder, bal := range book {
			copied[holder] = bal.Clone()
		}
		rev.balances[asset] = copied
	}
	for asset, supply := range l.supply {
		rev.supply[asset] = supply.Clone()
	}
	l.revisions = append(l.revisions, rev)
	return len(l.revisions) - 1
}

// RevertToSnapshot restores the balances recorded by revision id and drops
// it along with every later revision.
func (l *Ledger) RevertToSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id < 0 || id >= len(l.revisions) {
		panic(fmt.Errorf("%w: %d", errUnknownSnapshotRevision, id))
	}
	rev := l.revisions[id]
	l.balances = rev.balances
	l.supply = rev.supply
	l.revisions = l.revisions[:id]
}

// DiscardSnapshot drops revision id and every later revision, keeping the
// current balances.
func (l *Ledger) DiscardSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id < 0 || id >= len(l.revisions) {
		return
	}
	l.revisions = l.revisions[:id]
}

func balanceOf(book balances, holder common.Address) *uint256.Int {
	if bal, ok := book[holder]; ok {
		return bal
	}
	return new(uint256.Int)
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return value, nil
}
