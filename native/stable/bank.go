package stable

import (
	"errors"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"dscengine/crypto"
)

var errBankBalance = errors.New("asset bank: insufficient balance")

// AssetBank is an in-memory transfer primitive for one collateral asset,
// standing in for the external asset ledger; the engine sees only the
// CollateralBank interface.
type AssetBank struct {
	mu       sync.Mutex
	symbol   string
	custody  crypto.Address
	balances map[string]*uint256.Int
}

// NewAssetBank constructs an empty bank whose Transfer side pays out of the
// provided custody address.
func NewAssetBank(symbol string, custody crypto.Address) *AssetBank {
	return &AssetBank{
		symbol:   symbol,
		custody:  custody,
		balances: make(map[string]*uint256.Int),
	}
}

// Symbol returns the asset ticker this bank moves.
func (b *AssetBank) Symbol() string { return b.symbol }

// Credit funds an account out of thin air. Test and simulation setup only.
func (b *AssetBank) Credit(account crypto.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := string(account.Bytes())
	balance, ok := b.balances[key]
	if !ok {
		balance = uint256.NewInt(0)
		b.balances[key] = balance
	}
	balance.Add(balance, value)
	return nil
}

func (b *AssetBank) move(from, to crypto.Address, value *uint256.Int) error {
	fromKey := string(from.Bytes())
	balance, ok := b.balances[fromKey]
	if !ok || balance.Lt(value) {
		return errBankBalance
	}
	balance.Sub(balance, value)
	toKey := string(to.Bytes())
	dest, ok := b.balances[toKey]
	if !ok {
		dest = uint256.NewInt(0)
		b.balances[toKey] = dest
	}
	dest.Add(dest, value)
	return nil
}

// TransferFrom moves value between two arbitrary accounts.
func (b *AssetBank) TransferFrom(from, to crypto.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(from, to, value)
}

// Transfer moves value out of custody to the recipient.
func (b *AssetBank) Transfer(to crypto.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(b.custody, to, value)
}

// BalanceOf reports the held amount for an account.
func (b *AssetBank) BalanceOf(account crypto.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	balance, ok := b.balances[string(account.Bytes())]
	if !ok {
		return big.NewInt(0)
	}
	return balance.ToBig()
}
