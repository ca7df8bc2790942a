// Package state persists the market, portfolio and escrow records into a
// key-value database. Records are RLP encoded with big integers carried as
// decimal strings, since RLP has no native signed integer form. The keeper
// satisfies the narrow state interfaces each engine declares, so the engines
// never see the database directly.
//
// Writes are applied individually, not batched. The engines validate an
// operation fully before their first Put, so a failed Put partway through a
// multi-record commit can only mean the local store itself failed; that is
// treated as fatal corruption to be restored from backup, not rolled back.
package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"cashmarket/core/types"
	"cashmarket/native/escrow"
	"cashmarket/native/market"
	"cashmarket/native/portfolio"
	"cashmarket/storage"
)

// Keeper is the storage adapter behind every engine.
type Keeper struct {
	db storage.Database
}

func NewKeeper(db storage.Database) *Keeper {
	return &Keeper{db: db}
}

func poolKey(groupID string, maturity uint64) []byte {
	return []byte(fmt.Sprintf("market/pool/%s/%d", groupID, maturity))
}

func portfolioKey(addr types.Address) []byte {
	return []byte("portfolio/" + addr.Hex())
}

func escrowAccountKey(addr types.Address, currency types.Currency) []byte {
	return []byte(fmt.Sprintf("escrow/acct/%s/%s", addr.Hex(), currency))
}

func supplyKey(currency types.Currency) []byte {
	return []byte("escrow/supply/" + string(currency))
}

func pauseKey(module string) []byte {
	return []byte("pause/" + module)
}

func encodeBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeBig(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("state: invalid integer %q", s)
	}
	return v, nil
}

type storedPool struct {
	TotalFutureCash string
	TotalCollateral string
	TotalLiquidity  string
	RateAnchor      string
	RateScalar      string
	LastImpliedRate string
	FeeRateBps      uint64
	Settled         bool
}

// GetPool returns the stored pool, or nil when the pool was never funded.
func (k *Keeper) GetPool(groupID string, maturity uint64) (*market.MaturityPool, error) {
	raw, err := k.db.Get(poolKey(groupID, maturity))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedPool
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, err
	}
	pool := &market.MaturityPool{FeeRateBps: stored.FeeRateBps, Settled: stored.Settled}
	if pool.TotalFutureCash, err = decodeBig(stored.TotalFutureCash); err != nil {
		return nil, err
	}
	if pool.TotalCollateral, err = decodeBig(stored.TotalCollateral); err != nil {
		return nil, err
	}
	if pool.TotalLiquidity, err = decodeBig(stored.TotalLiquidity); err != nil {
		return nil, err
	}
	if pool.RateAnchor, err = decodeBig(stored.RateAnchor); err != nil {
		return nil, err
	}
	if pool.RateScalar, err = decodeBig(stored.RateScalar); err != nil {
		return nil, err
	}
	if pool.LastImpliedRate, err = decodeBig(stored.LastImpliedRate); err != nil {
		return nil, err
	}
	return pool, nil
}

func (k *Keeper) PutPool(groupID string, maturity uint64, pool *market.MaturityPool) error {
	if pool == nil {
		return fmt.Errorf("state: nil pool")
	}
	stored := storedPool{
		TotalFutureCash: encodeBig(pool.TotalFutureCash),
		TotalCollateral: encodeBig(pool.TotalCollateral),
		TotalLiquidity:  encodeBig(pool.TotalLiquidity),
		RateAnchor:      encodeBig(pool.RateAnchor),
		RateScalar:      encodeBig(pool.RateScalar),
		LastImpliedRate: encodeBig(pool.LastImpliedRate),
		FeeRateBps:      pool.FeeRateBps,
		Settled:         pool.Settled,
	}
	raw, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return k.db.Put(poolKey(groupID, maturity), raw)
}

type storedAsset struct {
	GroupID  string
	Maturity uint64
	Kind     uint8
	Notional string
}

type storedPortfolio struct {
	Address [20]byte
	Assets  []storedAsset
}

// GetPortfolio returns the stored portfolio, or nil for an account that never
// held a position.
func (k *Keeper) GetPortfolio(addr types.Address) (*portfolio.Portfolio, error) {
	raw, err := k.db.Get(portfolioKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedPortfolio
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, err
	}
	p := &portfolio.Portfolio{Address: types.Address(stored.Address)}
	for _, asset := range stored.Assets {
		notional, err := decodeBig(asset.Notional)
		if err != nil {
			return nil, err
		}
		p.Assets = append(p.Assets, portfolio.Asset{
			GroupID:  asset.GroupID,
			Maturity: asset.Maturity,
			Kind:     portfolio.AssetKind(asset.Kind),
			Notional: notional,
		})
	}
	return p, nil
}

func (k *Keeper) PutPortfolio(addr types.Address, p *portfolio.Portfolio) error {
	if p == nil {
		return fmt.Errorf("state: nil portfolio")
	}
	stored := storedPortfolio{Address: addr}
	for _, asset := range p.Assets {
		stored.Assets = append(stored.Assets, storedAsset{
			GroupID:  asset.GroupID,
			Maturity: asset.Maturity,
			Kind:     uint8(asset.Kind),
			Notional: encodeBig(asset.Notional),
		})
	}
	raw, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return k.db.Put(portfolioKey(addr), raw)
}

type storedAccount struct {
	CashBalance string
	FreeBalance string
}

// GetEscrowAccount returns the stored balance record, or nil for an account
// that never held funds in the currency.
func (k *Keeper) GetEscrowAccount(addr types.Address, currency types.Currency) (*escrow.Account, error) {
	raw, err := k.db.Get(escrowAccountKey(addr, currency))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, err
	}
	acct := &escrow.Account{}
	if acct.CashBalance, err = decodeBig(stored.CashBalance); err != nil {
		return nil, err
	}
	if acct.FreeBalance, err = decodeBig(stored.FreeBalance); err != nil {
		return nil, err
	}
	return acct, nil
}

func (k *Keeper) PutEscrowAccount(addr types.Address, currency types.Currency, acct *escrow.Account) error {
	if acct == nil {
		return fmt.Errorf("state: nil escrow account")
	}
	stored := storedAccount{
		CashBalance: encodeBig(acct.CashBalance),
		FreeBalance: encodeBig(acct.FreeBalance),
	}
	raw, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return k.db.Put(escrowAccountKey(addr, currency), raw)
}

// GetTotalSupply returns the deposited supply of a currency, nil when nothing
// was ever deposited.
func (k *Keeper) GetTotalSupply(currency types.Currency) (*big.Int, error) {
	raw, err := k.db.Get(supplyKey(currency))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored string
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, err
	}
	return decodeBig(stored)
}

func (k *Keeper) PutTotalSupply(currency types.Currency, supply *big.Int) error {
	raw, err := rlp.EncodeToBytes(encodeBig(supply))
	if err != nil {
		return err
	}
	return k.db.Put(supplyKey(currency), raw)
}

// IsPaused reports the persisted pause flag for a module; the keeper is the
// PauseView the engines guard on.
func (k *Keeper) IsPaused(module string) bool {
	raw, err := k.db.Get(pauseKey(module))
	return err == nil && len(raw) == 1 && raw[0] == 1
}

// SetPaused persists or clears a module pause flag. Clearing overwrites with
// an empty value since the storage interface carries no delete.
func (k *Keeper) SetPaused(module string, paused bool) error {
	if !paused {
		return k.db.Put(pauseKey(module), []byte{})
	}
	return k.db.Put(pauseKey(module), []byte{1})
}
