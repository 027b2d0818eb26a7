package stable

import (
	"errors"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"dscengine/crypto"
)

var (
	errTokenInvalidAmount = errors.New("synthetic token: amount must be positive")
	errTokenBalance       = errors.New("synthetic token: insufficient balance")
	errTokenOverflow      = errors.New("synthetic token: amount exceeds 256 bits")
)

// SyntheticToken is an in-memory supply ledger for the pegged asset. The
// engine only ever depends on the TokenLedger interface; this implementation
// backs tests and local simulations.
type SyntheticToken struct {
	mu       sync.Mutex
	balances map[string]*uint256.Int
	supply   *uint256.Int
}

// NewSyntheticToken constructs an empty ledger with zero supply.
func NewSyntheticToken() *SyntheticToken {
	return &SyntheticToken{
		balances: make(map[string]*uint256.Int),
		supply:   uint256.NewInt(0),
	}
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errTokenInvalidAmount
	}
	out, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, errTokenOverflow
	}
	return out, nil
}

// Mint credits freshly issued tokens to the account.
func (t *SyntheticToken) Mint(to crypto.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := string(to.Bytes())
	balance, ok := t.balances[key]
	if !ok {
		balance = uint256.NewInt(0)
		t.balances[key] = balance
	}
	balance.Add(balance, value)
	t.supply.Add(t.supply, value)
	return nil
}

// BurnFrom debits the account and shrinks total supply.
func (t *SyntheticToken) BurnFrom(from crypto.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := string(from.Bytes())
	balance, ok := t.balances[key]
	if !ok || balance.Lt(value) {
		return errTokenBalance
	}
	balance.Sub(balance, value)
	t.supply.Sub(t.supply, value)
	return nil
}

// BalanceOf reports the account's token balance.
func (t *SyntheticToken) BalanceOf(account crypto.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	balance, ok := t.balances[string(account.Bytes())]
	if !ok {
		return big.NewInt(0)
	}
	return balance.ToBig()
}

// TotalSupply reports the outstanding token supply.
func (t *SyntheticToken) TotalSupply() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supply.ToBig()
}
