package pooladapter

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "lendbridge/native/common"
)

// Market is the external lending market a position keeps its account in.
// Every method addresses the account explicitly; the market is shared by all
// positions of a converter.
type Market interface {
	Supply(ctx context.Context, account, asset common.Address, amount *big.Int) error
	Withdraw(ctx context.Context, account, asset common.Address, amount *big.Int, to common.Address) error
	Borrow(ctx context.Context, account, asset common.Address, amount *big.Int, to common.Address) error
	Repay(ctx context.Context, account, asset common.Address, amount *big.Int) error
	// AccountSnapshot returns the post-interest collateral and debt balances
	// of account for the given asset pair.
	AccountSnapshot(ctx context.Context, account, collateralAsset, borrowAsset common.Address) (AccountSnapshot, error)
	CollateralParams(ctx context.Context, asset common.Address) (CollateralParams, error)
}

// PriceOracle quotes assets in 18 decimal base currency units.
type PriceOracle interface {
	Price(ctx context.Context, asset common.Address) (*big.Int, error)
}

// Controller supplies the protocol level parameters a position consults.
type Controller interface {
	nativecommon.PauseView
	TargetHealthFactor() *big.Int
	MinHealthFactor() *big.Int
	Orchestrator() common.Address
	Governance() common.Address
}

// Ledger moves fungible tokens between custody addresses.
type Ledger interface {
	BalanceOf(ctx context.Context, asset, holder common.Address) (*big.Int, error)
	Transfer(ctx context.Context, asset, from, to common.Address, amount *big.Int) error
	Decimals(ctx context.Context, asset common.Address) (uint8, error)
}

// Journal is implemented by stateful collaborators that can roll back to a
// previous revision. DiscardSnapshot commits everything since the revision and
// releases it.
type Journal interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// Rewards pays out incentive tokens accrued by a market account.
type Rewards interface {
	Claim(ctx context.Context, account, to common.Address) (common.Address, *big.Int, error)
}

// Journals combines several journals into one. Revisions are taken in order
// and reverted in reverse order.
func Journals(journals ...Journal) Journal {
	filtered := make([]Journal, 0, len(journals))
	for _, j := range journals {
		if j != nil {
			filtered = append(filtered, j)
		}
	}
	return &multiJournal{journals: filtered}
}

type multiJournal struct {
	journals  []Journal
	revisions [][]int
}

func (m *multiJournal) Snapshot() int {
	ids := make([]int, len(m.journals))
	for i, j := range m.journals {
		ids[i] = j.Snapshot()
	}
	m.revisions = append(m.revisions, ids)
	return len(m.revisions) - 1
}

func (m *multiJournal) RevertToSnapshot(id int) {
	if id < 0 || id >= len(m.revisions) {
		return
	}
	ids := m.revisions[id]
	for i := len(m.journals) - 1; i >= 0; i-- {
		m.journals[i].RevertToSnapshot(ids[i])
	}
	m.revisions = m.revisions[:id]
}

func (m *multiJournal) DiscardSnapshot(id int) {
	if id < 0 || id >= len(m.revisions) {
		return
	}
	ids := m.revisions[id]
	for i := len(m.journals) - 1; i >= 0; i-- {
		m.journals[i].DiscardSnapshot(ids[i])
	}
	m.revisions = m.revisions[:id]
}
