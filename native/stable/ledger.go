package stable

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"dscengine/crypto"
	"dscengine/storage"
)

// BalanceChange is one ledger mutation inside an atomic commit. Asset is
// empty for debt entries.
type BalanceChange struct {
	Account crypto.Address
	Asset   string
	Debt    bool
	Amount  *big.Int
}

// Store persists the committed collateral and debt ledgers. ApplyBalances
// must be atomic: either every change lands or none do.
type Store interface {
	CollateralBalance(account crypto.Address, asset string) (*big.Int, error)
	DebtBalance(account crypto.Address) (*big.Int, error)
	ApplyBalances(changes []BalanceChange) error
}

// balanceReader is the read-side subset shared by the committed store and an
// in-flight staged transaction.
type balanceReader interface {
	CollateralBalance(account crypto.Address, asset string) (*big.Int, error)
	DebtBalance(account crypto.Address) (*big.Int, error)
}

var (
	collateralKeyPrefix = []byte("stable/collateral/")
	debtKeyPrefix       = []byte("stable/debt/")
)

// StateStore keeps ledger entries in a key-value database with RLP-encoded
// amounts. Missing keys read as zero balances.
type StateStore struct {
	db storage.Database
}

// NewStateStore wraps the provided database as a ledger store.
func NewStateStore(db storage.Database) *StateStore {
	return &StateStore{db: db}
}

func collateralKey(account crypto.Address, asset string) []byte {
	key := append([]byte(nil), collateralKeyPrefix...)
	key = append(key, account.Bytes()...)
	key = append(key, '/')
	return append(key, asset...)
}

func debtKey(account crypto.Address) []byte {
	key := append([]byte(nil), debtKeyPrefix...)
	return append(key, account.Bytes()...)
}

func (s *StateStore) load(key []byte) (*big.Int, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(raw, amount); err != nil {
		return nil, fmt.Errorf("stable ledger: decode balance: %w", err)
	}
	return amount, nil
}

// CollateralBalance returns the committed deposit for (account, asset).
func (s *StateStore) CollateralBalance(account crypto.Address, asset string) (*big.Int, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("stable ledger: store not configured")
	}
	return s.load(collateralKey(account, asset))
}

// DebtBalance returns the committed minted-token debt for the account.
func (s *StateStore) DebtBalance(account crypto.Address) (*big.Int, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("stable ledger: store not configured")
	}
	return s.load(debtKey(account))
}

// ApplyBalances writes the change set through one database batch.
func (s *StateStore) ApplyBalances(changes []BalanceChange) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("stable ledger: store not configured")
	}
	entries := make([]storage.KV, 0, len(changes))
	for _, change := range changes {
		amount := change.Amount
		if amount == nil {
			amount = big.NewInt(0)
		}
		if amount.Sign() < 0 {
			return fmt.Errorf("stable ledger: negative balance for %s", change.Account)
		}
		encoded, err := rlp.EncodeToBytes(amount)
		if err != nil {
			return fmt.Errorf("stable ledger: encode balance: %w", err)
		}
		key := debtKey(change.Account)
		if !change.Debt {
			key = collateralKey(change.Account, change.Asset)
		}
		entries = append(entries, storage.KV{Key: key, Value: encoded})
	}
	return s.db.WriteBatch(entries)
}

// ledgerTx stages ledger mutations on top of the committed store. Reads see
// staged values first; nothing reaches the store until commit, so a failed
// operation leaves no trace.
type ledgerTx struct {
	store      Store
	collateral map[string]BalanceChange
	debt       map[string]BalanceChange
}

func newLedgerTx(store Store) *ledgerTx {
	return &ledgerTx{
		store:      store,
		collateral: make(map[string]BalanceChange),
		debt:       make(map[string]BalanceChange),
	}
}

func stagedKey(account crypto.Address, asset string) string {
	return string(account.Bytes()) + "/" + asset
}

func (tx *ledgerTx) CollateralBalance(account crypto.Address, asset string) (*big.Int, error) {
	if staged, ok := tx.collateral[stagedKey(account, asset)]; ok {
		return new(big.Int).Set(staged.Amount), nil
	}
	return tx.store.CollateralBalance(account, asset)
}

func (tx *ledgerTx) DebtBalance(account crypto.Address) (*big.Int, error) {
	if staged, ok := tx.debt[string(account.Bytes())]; ok {
		return new(big.Int).Set(staged.Amount), nil
	}
	return tx.store.DebtBalance(account)
}

func (tx *ledgerTx) setCollateral(account crypto.Address, asset string, amount *big.Int) {
	tx.collateral[stagedKey(account, asset)] = BalanceChange{
		Account: account,
		Asset:   asset,
		Amount:  new(big.Int).Set(amount),
	}
}

func (tx *ledgerTx) setDebt(account crypto.Address, amount *big.Int) {
	tx.debt[string(account.Bytes())] = BalanceChange{
		Account: account,
		Debt:    true,
		Amount:  new(big.Int).Set(amount),
	}
}

// commit flushes the staged changes in deterministic order.
func (tx *ledgerTx) commit() error {
	keys := make([]string, 0, len(tx.collateral)+len(tx.debt))
	for key := range tx.collateral {
		keys = append(keys, "c/"+key)
	}
	for key := range tx.debt {
		keys = append(keys, "d/"+key)
	}
	sort.Strings(keys)

	changes := make([]BalanceChange, 0, len(keys))
	for _, key := range keys {
		if key[0] == 'c' {
			changes = append(changes, tx.collateral[key[2:]])
		} else {
			changes = append(changes, tx.debt[key[2:]])
		}
	}
	return tx.store.ApplyBalances(changes)
}
