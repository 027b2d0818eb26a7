package stable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dscengine/crypto"
	nativecommon "dscengine/native/common"
	"dscengine/observability"
)

var (
	errNilState                = errors.New("stable engine: state not configured")
	ErrInvalidAmount           = errors.New("stable engine: amount must be positive")
	ErrUnapprovedAsset         = errors.New("stable engine: asset not in approved set")
	ErrConfigMismatch          = errors.New("stable engine: asset and feed lists mismatch")
	ErrTransferFailed          = errors.New("stable engine: external transfer failed")
	ErrBreaksHealthFactor      = errors.New("stable engine: health factor below minimum")
	ErrHealthFactorOK          = errors.New("stable engine: account not eligible for liquidation")
	ErrHealthFactorNotImproved = errors.New("stable engine: liquidation did not improve health factor")
	ErrReentrantCall           = errors.New("stable engine: operation already in flight")
	ErrInsufficientBalance     = errors.New("stable engine: insufficient collateral balance")
	ErrInsufficientDebt        = errors.New("stable engine: burn exceeds outstanding debt")
	ErrBankNotConfigured       = errors.New("stable engine: collateral transfer primitive not configured")
)

const moduleName = "stable"

// TokenLedger is the external supply ledger for the synthetic token. Mint
// credits freshly issued tokens; BurnFrom pulls tokens into engine custody
// and destroys them. Failure is terminal for the enclosing operation.
type TokenLedger interface {
	Mint(to crypto.Address, amount *big.Int) error
	BurnFrom(from crypto.Address, amount *big.Int) error
}

// CollateralBank is the external transfer primitive for one approved
// collateral asset. Transfer moves value out of engine custody.
type CollateralBank interface {
	TransferFrom(from, to crypto.Address, amount *big.Int) error
	Transfer(to crypto.Address, amount *big.Int) error
}

// Engine orchestrates the collateral/debt ledgers and the solvency checks
// guarding every state transition. Operations are strictly serialized: at
// most one is in flight per engine instance, and a second entry while one
// runs is rejected rather than queued.
type Engine struct {
	mu      sync.Mutex
	custody crypto.Address
	assets  []string
	feeds   map[string]PriceFeed
	banks   map[string]CollateralBank
	token   TokenLedger

	state   Store
	journal *Journal
	pauses  nativecommon.PauseView
	logger  *slog.Logger
	metrics *observability.EngineMetrics
	tracer  trace.Tracer
}

// NewEngine constructs an engine for the ordered approved collateral set.
// The feed list must parallel the asset list; the approved set is fixed for
// the engine's lifetime.
func NewEngine(custody crypto.Address, assets []string, feeds []PriceFeed, token TokenLedger) (*Engine, error) {
	if len(assets) == 0 || len(assets) != len(feeds) {
		return nil, ErrConfigMismatch
	}
	if token == nil {
		return nil, fmt.Errorf("%w: token ledger required", ErrConfigMismatch)
	}
	engine := &Engine{
		custody: custody,
		assets:  make([]string, 0, len(assets)),
		feeds:   make(map[string]PriceFeed, len(assets)),
		banks:   make(map[string]CollateralBank),
		token:   token,
		tracer:  otel.Tracer("dscengine/native/stable"),
	}
	for i, raw := range assets {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" {
			return nil, fmt.Errorf("%w: empty asset symbol", ErrConfigMismatch)
		}
		if feeds[i] == nil {
			return nil, fmt.Errorf("%w: nil feed for %s", ErrConfigMismatch, symbol)
		}
		if _, exists := engine.feeds[symbol]; exists {
			return nil, fmt.Errorf("%w: duplicate asset %s", ErrConfigMismatch, symbol)
		}
		engine.assets = append(engine.assets, symbol)
		engine.feeds[symbol] = feeds[i]
	}
	return engine, nil
}

// SetState wires the engine to the committed ledger store.
func (e *Engine) SetState(state Store) { e.state = state }

// SetCollateralBank registers the transfer primitive for an approved asset.
func (e *Engine) SetCollateralBank(asset string, bank CollateralBank) error {
	symbol := strings.ToUpper(strings.TrimSpace(asset))
	if _, ok := e.feeds[symbol]; !ok {
		return ErrUnapprovedAsset
	}
	if bank == nil {
		return ErrBankNotConfigured
	}
	e.banks[symbol] = bank
	return nil
}

// SetPauses wires the module pause switchboard.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetJournal wires the post-commit audit journal.
func (e *Engine) SetJournal(j *Journal) {
	if e == nil {
		return
	}
	e.journal = j
}

// SetLogger attaches a structured logger for operation outcomes.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil {
		return
	}
	e.logger = logger
}

// SetMetrics attaches the Prometheus registry for engine activity.
func (e *Engine) SetMetrics(m *observability.EngineMetrics) {
	if e == nil {
		return
	}
	e.metrics = m
}

func (e *Engine) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

func (e *Engine) observe(span trace.Span, op string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	e.metrics.RecordOperation(op, err)
}

func (e *Engine) asset(symbol string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if _, ok := e.feeds[normalized]; !ok {
		return "", ErrUnapprovedAsset
	}
	return normalized, nil
}

func (e *Engine) bank(symbol string) (CollateralBank, error) {
	bank, ok := e.banks[symbol]
	if !ok || bank == nil {
		return nil, ErrBankNotConfigured
	}
	return bank, nil
}

// --- valuation ---

func (e *Engine) feedPrice(ctx context.Context, asset string) (*big.Int, error) {
	round, err := e.feeds[asset].LatestRound(ctx)
	if err != nil {
		return nil, err
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if round.Decimals != feedDecimals {
		return nil, fmt.Errorf("%w: feed %s answered with %d decimals", ErrInvalidPrice, asset, round.Decimals)
	}
	// 8-decimal feed answer scaled up to 18 decimals.
	return new(big.Int).Mul(round.Answer, additionalFeedPrecision), nil
}

func (e *Engine) usdValue(ctx context.Context, asset string, quantity *big.Int) (*big.Int, error) {
	price, err := e.feedPrice(ctx, asset)
	if err != nil {
		return nil, err
	}
	return mulDiv(price, quantity, precision), nil
}

func (e *Engine) tokenAmountFromUsd(ctx context.Context, asset string, usdValue *big.Int) (*big.Int, error) {
	price, err := e.feedPrice(ctx, asset)
	if err != nil {
		return nil, err
	}
	return mulDiv(usdValue, precision, price), nil
}

func (e *Engine) collateralValue(ctx context.Context, reader balanceReader, account crypto.Address) (*big.Int, error) {
	total := big.NewInt(0)
	for _, asset := range e.assets {
		balance, err := reader.CollateralBalance(account, asset)
		if err != nil {
			return nil, err
		}
		if balance.Sign() == 0 {
			continue
		}
		value, err := e.usdValue(ctx, asset, balance)
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}

func (e *Engine) healthFactor(ctx context.Context, reader balanceReader, account crypto.Address) (*big.Int, error) {
	debt, err := reader.DebtBalance(account)
	if err != nil {
		return nil, err
	}
	if debt.Sign() == 0 {
		return new(big.Int).Set(maxHealthFactor), nil
	}
	value, err := e.collateralValue(ctx, reader, account)
	if err != nil {
		return nil, err
	}
	return healthFactorFor(value, debt), nil
}

func (e *Engine) assertSolvent(ctx context.Context, reader balanceReader, account crypto.Address) error {
	ratio, err := e.healthFactor(ctx, reader, account)
	if err != nil {
		return err
	}
	if ratio.Cmp(minHealthFactor) < 0 {
		return fmt.Errorf("%w: %s", ErrBreaksHealthFactor, ratio)
	}
	return nil
}

// --- staged mutation helpers ---

func (e *Engine) stageDeposit(tx *ledgerTx, account crypto.Address, asset string, amount *big.Int) error {
	balance, err := tx.CollateralBalance(account, asset)
	if err != nil {
		return err
	}
	tx.setCollateral(account, asset, new(big.Int).Add(balance, amount))
	return nil
}

func (e *Engine) stageWithdraw(tx *ledgerTx, account crypto.Address, asset string, amount *big.Int) error {
	balance, err := tx.CollateralBalance(account, asset)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	tx.setCollateral(account, asset, new(big.Int).Sub(balance, amount))
	return nil
}

func (e *Engine) stageMint(tx *ledgerTx, account crypto.Address, amount *big.Int) error {
	debt, err := tx.DebtBalance(account)
	if err != nil {
		return err
	}
	tx.setDebt(account, new(big.Int).Add(debt, amount))
	return nil
}

func (e *Engine) stageBurn(tx *ledgerTx, account crypto.Address, amount *big.Int) error {
	debt, err := tx.DebtBalance(account)
	if err != nil {
		return err
	}
	if debt.Cmp(amount) < 0 {
		return ErrInsufficientDebt
	}
	tx.setDebt(account, new(big.Int).Sub(debt, amount))
	return nil
}

func (e *Engine) begin() (*ledgerTx, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return newLedgerTx(e.state), nil
}

// enter performs the shared preamble for every state transition: pause
// guard, then the single-flight lock. Reentrant invocation from a
// collaborator callback trips the lock and is rejected.
func (e *Engine) enter() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if !e.mu.TryLock() {
		return ErrReentrantCall
	}
	return nil
}

// --- position operations ---

// DepositCollateral moves quantity of an approved asset from the account
// into engine custody and records it in the collateral ledger. A collateral
// increase cannot worsen solvency, so no health check runs.
func (e *Engine) DepositCollateral(ctx context.Context, account crypto.Address, asset string, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	ctx, span := e.tracer.Start(ctx, "stable.DepositCollateral")
	err := e.depositCollateral(ctx, account, asset, amount)
	e.observe(span, "deposit_collateral", err)
	return err
}

func (e *Engine) depositCollateral(ctx context.Context, account crypto.Address, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	symbol, err := e.asset(asset)
	if err != nil {
		return err
	}
	bank, err := e.bank(symbol)
	if err != nil {
		return err
	}
	tx, err := e.begin()
	if err != nil {
		return err
	}
	if err := e.stageDeposit(tx, account, symbol, amount); err != nil {
		return err
	}
	if err := bank.TransferFrom(account, e.custody, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.record(ctx, journalOp{op: "deposit_collateral", account: account, asset: symbol, amount: amount})
	return nil
}

// MintDsc issues amount units of the synthetic token against the account's
// collateral. The debt increase must leave the account at or above the
// minimum health factor or the whole operation fails.
func (e *Engine) MintDsc(ctx context.Context, account crypto.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	ctx, span := e.tracer.Start(ctx, "stable.MintDsc")
	err := e.mintDsc(ctx, account, amount)
	e.observe(span, "mint_dsc", err)
	return err
}

func (e *Engine) mintDsc(ctx context.Context, account crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	tx, err := e.begin()
	if err != nil {
		return err
	}
	if err := e.stageMint(tx, account, amount); err != nil {
		return err
	}
	if err := e.assertSolvent(ctx, tx, account); err != nil {
		return err
	}
	if err := e.token.Mint(account, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.record(ctx, journalOp{op: "mint_dsc", account: account, amount: amount})
	return nil
}

// RedeemCollateral releases quantity of an approved asset from custody back
// to the account, provided the position stays solvent afterwards.
func (e *Engine) RedeemCollateral(ctx context.Context, account crypto.Address, asset string, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	ctx, span := e.tracer.Start(ctx, "stable.RedeemCollateral")
	err := e.redeemCollateral(ctx, account, account, asset, amount)
	e.observe(span, "redeem_collateral", err)
	return err
}

// redeemCollateral decrements owner's collateral ledger entry and pays the
// proceeds to recipient. Liquidation reuses it with recipient != owner, in
// which case the solvency check is skipped: the target is already insolvent
// and the caller performs its own before/after comparison.
func (e *Engine) redeemCollateral(ctx context.Context, owner, recipient crypto.Address, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	symbol, err := e.asset(asset)
	if err != nil {
		return err
	}
	bank, err := e.bank(symbol)
	if err != nil {
		return err
	}
	tx, err := e.begin()
	if err != nil {
		return err
	}
	if err := e.stageWithdraw(tx, owner, symbol, amount); err != nil {
		return err
	}
	if owner.Equal(recipient) {
		if err := e.assertSolvent(ctx, tx, owner); err != nil {
			return err
		}
	}
	if err := bank.Transfer(recipient, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.record(ctx, journalOp{op: "redeem_collateral", account: owner, counterparty: recipient, asset: symbol, amount: amount})
	return nil
}

// BurnDsc retires amount units of the account's synthetic debt. The tokens
// are pulled from the account and destroyed.
func (e *Engine) BurnDsc(ctx context.Context, account crypto.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	ctx, span := e.tracer.Start(ctx, "stable.BurnDsc")
	err := e.burnDsc(ctx, account, account, amount)
	e.observe(span, "burn_dsc", err)
	return err
}

// burnDsc reduces onBehalfOf's debt while pulling the tokens from payer.
// Liquidation covers the target's debt with the liquidator's tokens.
func (e *Engine) burnDsc(ctx context.Context, onBehalfOf, payer crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	tx, err := e.begin()
	if err != nil {
		return err
	}
	if err := e.stageBurn(tx, onBehalfOf, amount); err != nil {
		return err
	}
	// Symmetry with the other transitions; reducing debt cannot worsen the ratio.
	if err := e.assertSolvent(ctx, tx, onBehalfOf); err != nil {
		return err
	}
	if err := e.token.BurnFrom(payer, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.record(ctx, journalOp{op: "burn_dsc", account: onBehalfOf, counterparty: payer, amount: amount})
	return nil
}

// DepositCollateralAndMintDsc runs deposit and mint as one atomic unit.
func (e *Engine) DepositCollateralAndMintDsc(ctx context.Context, account crypto.Address, asset string, collateralAmount, mintAmount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	ctx, span := e.tracer.Start(ctx, "stable.DepositCollateralAndMintDsc")
	err := e.depositAndMint(ctx, account, asset, collateralAmount, mintAmount)
	e.observe(span, "deposit_and_mint", err)
	return err
}

func (e *Engine) depositAndMint(ctx context.Context, account crypto.Address, asset string, collateralAmount, mintAmount *big.Int) error {
	if collateralAmount == nil || collateralAmount.Sign() <= 0 || mintAmount == nil || mintAmount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	symbol, err := e.asset(asset)
	if err != nil {
		return err
	}
	bank, err := e.bank(symbol)
	if err != nil {
		return err
	}
	tx, err := e.begin()
	if err != nil {
		return err
	}
	if err := e.stageDeposit(tx, account, symbol, collateralAmount); err != nil {
		return err
	}
	if err := e.stageMint(tx, account, mintAmount); err != nil {
		return err
	}
	if err := e.assertSolvent(ctx, tx, account); err != nil {
		return err
	}
	if err := bank.TransferFrom(account, e.custody, collateralAmount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.token.Mint(account, mintAmount); err != nil {
		// The collateral already moved into custody; send it back so the
		// failed operation leaves no externally visible effect.
		if refundErr := bank.Transfer(account, collateralAmount); refundErr != nil {
			e.log().Error("collateral refund after failed mint",
				slog.String("account", account.String()),
				slog.String("asset", symbol),
				slog.String("error", refundErr.Error()))
		}
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.record(ctx, journalOp{op: "deposit_and_mint", account: account, asset: symbol, amount: collateralAmount, debtDelta: mintAmount})
	return nil
}

// RedeemCollateralForDsc burns debt and redeems collateral as one atomic
// unit.
func (e *Engine) RedeemCollateralForDsc(ctx context.Context, account crypto.Address, asset string, collateralAmount, burnAmount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	ctx, span := e.tracer.Start(ctx, "stable.RedeemCollateralForDsc")
	err := e.redeemForBurn(ctx, account, asset, collateralAmount, burnAmount)
	e.observe(span, "redeem_for_burn", err)
	return err
}

func (e *Engine) redeemForBurn(ctx context.Context, account crypto.Address, asset string, collateralAmount, burnAmount *big.Int) error {
	if collateralAmount == nil || collateralAmount.Sign() <= 0 || burnAmount == nil || burnAmount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	symbol, err := e.asset(asset)
	if err != nil {
		return err
	}
	bank, err := e.bank(symbol)
	if err != nil {
		return err
	}
	tx, err := e.begin()
	if err != nil {
		return err
	}
	if err := e.stageBurn(tx, account, burnAmount); err != nil {
		return err
	}
	if err := e.stageWithdraw(tx, account, symbol, collateralAmount); err != nil {
		return err
	}
	if err := e.assertSolvent(ctx, tx, account); err != nil {
		return err
	}
	if err := e.token.BurnFrom(account, burnAmount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := bank.Transfer(account, collateralAmount); err != nil {
		// The tokens are already destroyed; reissue them so the failed
		// operation leaves no externally visible effect.
		if refundErr := e.token.Mint(account, burnAmount); refundErr != nil {
			e.log().Error("token reissue after failed collateral transfer",
				slog.String("account", account.String()),
				slog.String("error", refundErr.Error()))
		}
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.record(ctx, journalOp{op: "redeem_for_burn", account: account, asset: symbol, amount: collateralAmount, debtDelta: burnAmount})
	return nil
}

// --- journal plumbing ---

type journalOp struct {
	op           string
	account      crypto.Address
	counterparty crypto.Address
	asset        string
	amount       *big.Int
	debtDelta    *big.Int
}

// record writes the audit entry after a successful commit. Journal failures
// are logged, never surfaced: the ledger commit is the source of truth.
func (e *Engine) record(ctx context.Context, op journalOp) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("stable.account", op.account.String()))

	if e.journal == nil {
		return
	}
	health, err := e.healthFactor(ctx, e.state, op.account)
	if err != nil {
		health = big.NewInt(0)
	}
	entry := Entry{
		Op:           op.op,
		Account:      op.account.Bytes(),
		Counterparty: op.counterparty.Bytes(),
		Asset:        op.asset,
		Amount:       op.amount,
		DebtDelta:    op.debtDelta,
		HealthFactor: health,
	}
	if err := e.journal.Append(entry); err != nil {
		e.log().Error("journal append failed",
			slog.String("operation", op.op),
			slog.String("account", op.account.String()),
			slog.String("error", err.Error()))
	}
}
