package stable

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"dscengine/crypto"
	nativecommon "dscengine/native/common"
	"dscengine/storage"
)

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.DSCPrefix, raw)
}

// wei scales a whole-unit amount to 18 decimals.
func wei(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), mustBigInt("1000000000000000000"))
}

type testEnv struct {
	engine  *Engine
	token   *SyntheticToken
	store   *StateStore
	custody crypto.Address
	banks   map[string]*AssetBank
	feeds   map[string]*ManualFeed
}

// newTestEnv wires an engine over an in-memory store with manual feeds
// primed at $2000 per unit.
func newTestEnv(t *testing.T, assets ...string) *testEnv {
	t.Helper()
	if len(assets) == 0 {
		assets = []string{"WETH"}
	}
	custody := makeAddress(0x01)
	env := &testEnv{
		custody: custody,
		token:   NewSyntheticToken(),
		banks:   make(map[string]*AssetBank),
		feeds:   make(map[string]*ManualFeed),
	}
	feedList := make([]PriceFeed, 0, len(assets))
	for _, asset := range assets {
		feed := NewManualFeed()
		if err := feed.SetDecimal("2000", time.Now()); err != nil {
			t.Fatalf("prime feed: %v", err)
		}
		env.feeds[asset] = feed
		feedList = append(feedList, feed)
	}
	engine, err := NewEngine(custody, assets, feedList, env.token)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	env.store = NewStateStore(storage.NewMemDB())
	engine.SetState(env.store)
	for _, asset := range assets {
		bank := NewAssetBank(asset, custody)
		if err := engine.SetCollateralBank(asset, bank); err != nil {
			t.Fatalf("set bank: %v", err)
		}
		env.banks[asset] = bank
	}
	env.engine = engine
	return env
}

func (env *testEnv) fund(t *testing.T, account crypto.Address, asset string, amount *big.Int) {
	t.Helper()
	if err := env.banks[asset].Credit(account, amount); err != nil {
		t.Fatalf("fund %s: %v", asset, err)
	}
}

func TestNewEngineRejectsMismatchedLists(t *testing.T) {
	custody := makeAddress(0x01)
	feed := NewManualFeed()
	token := NewSyntheticToken()

	if _, err := NewEngine(custody, []string{"WETH", "WBTC"}, []PriceFeed{feed}, token); !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("expected ErrConfigMismatch, got %v", err)
	}
	if _, err := NewEngine(custody, []string{"WETH"}, []PriceFeed{nil}, token); !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("expected ErrConfigMismatch for nil feed, got %v", err)
	}
	if _, err := NewEngine(custody, []string{"WETH", "weth"}, []PriceFeed{feed, feed}, token); !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("expected ErrConfigMismatch for duplicate asset, got %v", err)
	}
	if _, err := NewEngine(custody, []string{"WETH"}, []PriceFeed{feed}, nil); !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("expected ErrConfigMismatch for nil token ledger, got %v", err)
	}
}

func TestDepositCollateral(t *testing.T) {
	env := newTestEnv(t)
	user := makeAddress(0x10)
	env.fund(t, user, "WETH", wei(10))

	if err := env.engine.DepositCollateral(context.Background(), user, "WETH", wei(4)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	balance, err := env.engine.GetCollateralBalanceOfUser(user, "WETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(wei(4)) != 0 {
		t.Fatalf("unexpected collateral balance: %s", balance)
	}
	if held := env.banks["WETH"].BalanceOf(env.custody); held.Cmp(wei(4)) != 0 {
		t.Fatalf("unexpected custody balance: %s", held)
	}
}

func TestDepositCollateralRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	user := makeAddress(0x10)

	if err := env.engine.DepositCollateral(context.Background(), user, "WETH", big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := env.engine.DepositCollateral(context.Background(), user, "DOGE", wei(1)); !errors.Is(err, ErrUnapprovedAsset) {
		t.Fatalf("expected ErrUnapprovedAsset, got %v", err)
	}
}

func TestDepositCollateralRollsBackOnTransferFailure(t *testing.T) {
	env := newTestEnv(t)
	user := makeAddress(0x10)
	// User holds nothing, so the transfer leg fails.

	err := env.engine.DepositCollateral(context.Background(), user, "WETH", wei(1))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	balance, err := env.engine.GetCollateralBalanceOfUser(user, "WETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("expected no ledger mutation, got %s", balance)
	}
}

func TestMintDscWithinLimit(t *testing.T) {
	env := newTestEnv(t)
	user := makeAddress(0x10)
	env.fund(t, user, "WETH", wei(10))

	if err := env.engine.DepositCollateral(context.Background(), user, "WETH", wei(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// $20,000 collateral at 50% threshold backs up to $10,000 of debt.
	if err := env.engine.MintDsc(context.Background(), user, wei(8000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	debt, collateralValue, err := env.engine.GetAccountInformation(context.Background(), user)
	if err != nil {
		t.Fatalf("account information: %v", err)
	}
	if debt.Cmp(wei(8000)) != 0 {
		t.Fatalf("unexpected debt: %s", debt)
	}
	if collateralValue.Cmp(wei(20000)) != 0 {
		t.Fatalf("unexpected collateral value: %s", collateralValue)
	}
	if supply := env.token.TotalSupply(); supply.Cmp(wei(8000)) != 0 {
		t.Fatalf("unexpected token supply: %s", supply)
	}

	health, err := env.engine.HealthFactor(context.Background(), user)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	want := mustBigInt("1250000000000000000") // 1.25
	if health.Cmp(want) != 0 {
		t.Fatalf("unexpected health factor: %s", health)
	}
}

func TestMintDscBoundaryExactlyOne(t *testing.T) {
	env := newTestEnv(t)
	user := makeAddress(0x10)
	env.fund(t, user, "WETH", wei(1))

	if err := env.engine.DepositCollateral(context.Background(), user, "WETH", wei(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// $2,000 collateral → $1,000 of adjusted value. Minting exactly that
	// lands the health factor on 1.0 and must succeed.
	if err := env.engine.MintDsc(context.Background(), user, wei(1000)); err != nil {
		t.Fatalf("boundary mint: %v", err)
	}
	health, err := env.engine.HealthFactor(context.Background(), user)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if health.Cmp(minHealthFactor) != 0 {
		t.Fatalf("expected health factor exactly 1.0, got %s", health)
	}

	// One more wei of debt tips the ratio below 1.0.
	err = env.engine.MintDsc(context.Background(), user, big.NewInt(1))
	if !errors.Is(err, ErrBreaksHealthFactor) {
		t.Fatalf("expected ErrBreaksHealthFactor, got %v", err)
	}
	debt, err := env.store.DebtBalance(user)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if debt.Cmp(wei(1000)) != 0 {
		t.Fatalf("failed mint must not change debt, got %s", debt)
	}
	if supply := env.token.TotalSupply(); supply.Cmp(wei(1000)) != 0 {
		t.Fatalf("failed mint must not change supply, got %s", supply)
	}
}

func TestMintDscWithoutCollateralFails(t *testing.T) {
	env := newTestEnv(t)
	user := makeAddress(0x10)

	if err := env.engine.MintDsc(context.Background(), user, wei(1)); !errors.Is(err, ErrBreaksHealthFactor) {
		t.Fatalf("expected ErrBreaksHealthFactor, got %v", err)
	}
}

func TestRedeemCollateral(t *testing.T) {
	env := newTestEnv(t)
	user := makeAddress(0x10)
	env.fund(t, user, "WETH", wei(10))

	if err := env.engine.DepositCollateral(context.Background(), user, "WETH", wei(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.MintDsc(context.Background(), user, wei(4000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// $8,000 collateral still covers $4,000 of debt at the 200% requirement.
	if err := env.engine.RedeemCollateral(context.Background(), user, "WETH", wei(6)); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if balance := env.banks["WETH"].BalanceOf(user); balance.Cmp(wei(6)) != 0 {
		t.Fatalf("unexpected wallet balance: %s", balance)
	}

	// One more unit would drop the ratio below 1.0.
	err := env.engine.RedeemCollateral(context.Background(), user, "WETH", wei(1))
	if !errors.Is(err, ErrBreaksHealthFactor) {
		t.Fatalf("expected ErrBreaksHealthFactor, got %v", err)
	}
	ledger, err := env.engine.GetCollateralBalanceOfUser(user, "WETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if ledger.Cmp(wei(4)) != 0 {
		t.Fatalf("failed redeem must not change ledger, got %s", ledger)
	}
}

func TestRedeemCollateralRejectsUnderflow(t *testing.T) {
	env := newTestEnv(t)
	user := makeAddress(0x10)
	env.fund(t, user, "WETH", wei(1))

	if err := env.engine.DepositCollateral(context.Background(), user, "WETH", wei(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.RedeemCollateral(context.Background(), user, "WETH", wei(2)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestBurnDsc(t *testing.T) {
	env := newTestEnv(t)
	user := makeAddress(0x10)
	env.fund(t, user, "WETH", wei(10))

	if err := env.engine.DepositCollateral(context.Background(), user, "WETH", wei(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.MintDsc(context.Background(), user, wei(5000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := env.engine.BurnDsc(context.Background(), user, wei(2000)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	debt, err := env.store.DebtBalance(user)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if debt.Cmp(wei(3000)) != 0 {
		t.Fatalf("unexpected debt after burn: %s", debt)
	}
	if supply := env.token.TotalSupply(); supply.Cmp(wei(3000)) != 0 {
		t.Fatalf("unexpected supply after burn: %s", supply)
	}

	if err := env.engine.BurnDsc(context.Background(), user, wei(4000)); !errors.Is(err, ErrInsufficientDebt) {
		t.Fatalf("expected ErrInsufficientDebt, got %v", err)
	}
}

func TestDepositCollateralAndMintDsc(t *testing.T) {
	env := newTestEnv(t)
	user := makeAddress(0x10)
	env.fund(t, user, "WETH", wei(10))

	if err := env.engine.DepositCollateralAndMintDsc(context.Background(), user, "WETH", wei(10), wei(8000)); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	debt, collateralValue, err := env.engine.GetAccountInformation(context.Background(), user)
	if err != nil {
		t.Fatalf("account information: %v", err)
	}
	if debt.Cmp(wei(8000)) != 0 || collateralValue.Cmp(wei(20000)) != 0 {
		t.Fatalf("unexpected position: debt=%s value=%s", debt, collateralValue)
	}
}

func TestDepositCollateralAndMintDscAtomicOnInsolvency(t *testing.T) {
	env := newTestEnv(t)
	user := makeAddress(0x10)
	env.fund(t, user, "WETH", wei(1))

	err := env.engine.DepositCollateralAndMintDsc(context.Background(), user, "WETH", wei(1), wei(1001))
	if !errors.Is(err, ErrBreaksHealthFactor) {
		t.Fatalf("expected ErrBreaksHealthFactor, got %v", err)
	}
	// Neither leg may persist: the deposit stage was discarded and the
	// collateral never left the wallet.
	ledger, err := env.engine.GetCollateralBalanceOfUser(user, "WETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if ledger.Sign() != 0 {
		t.Fatalf("expected no staged deposit to persist, got %s", ledger)
	}
	if wallet := env.banks["WETH"].BalanceOf(user); wallet.Cmp(wei(1)) != 0 {
		t.Fatalf("expected wallet untouched, got %s", wallet)
	}
	if supply := env.token.TotalSupply(); supply.Sign() != 0 {
		t.Fatalf("expected no tokens issued, got %s", supply)
	}
}

func TestRedeemCollateralForDsc(t *testing.T) {
	env := newTestEnv(t)
	user := makeAddress(0x10)
	env.fund(t, user, "WETH", wei(10))

	if err := env.engine.DepositCollateralAndMintDsc(context.Background(), user, "WETH", wei(10), wei(8000)); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	if err := env.engine.RedeemCollateralForDsc(context.Background(), user, "WETH", wei(10), wei(8000)); err != nil {
		t.Fatalf("redeem for burn: %v", err)
	}

	debt, collateralValue, err := env.engine.GetAccountInformation(context.Background(), user)
	if err != nil {
		t.Fatalf("account information: %v", err)
	}
	if debt.Sign() != 0 || collateralValue.Sign() != 0 {
		t.Fatalf("expected closed position, got debt=%s value=%s", debt, collateralValue)
	}
	if wallet := env.banks["WETH"].BalanceOf(user); wallet.Cmp(wei(10)) != 0 {
		t.Fatalf("expected collateral returned, got %s", wallet)
	}
	if supply := env.token.TotalSupply(); supply.Sign() != 0 {
		t.Fatalf("expected supply retired, got %s", supply)
	}
}

type stubPauseView struct {
	modules map[string]bool
}

func (s stubPauseView) IsPaused(module string) bool {
	if s.modules == nil {
		return false
	}
	return s.modules[module]
}

func TestPauseGuardBlocksMutation(t *testing.T) {
	env := newTestEnv(t)
	user := makeAddress(0x10)
	env.fund(t, user, "WETH", wei(1))
	env.engine.SetPauses(stubPauseView{modules: map[string]bool{moduleName: true}})

	err := env.engine.DepositCollateral(context.Background(), user, "WETH", wei(1))
	if !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	ledger, err := env.engine.GetCollateralBalanceOfUser(user, "WETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if ledger.Sign() != 0 {
		t.Fatalf("expected ledger unchanged while paused, got %s", ledger)
	}
}

// reentrantBank calls back into the engine from inside the transfer leg, the
// way a malicious asset contract would.
type reentrantBank struct {
	inner  *AssetBank
	engine *Engine
	seen   error
}

func (b *reentrantBank) TransferFrom(from, to crypto.Address, amount *big.Int) error {
	b.seen = b.engine.MintDsc(context.Background(), from, big.NewInt(1))
	if b.seen != nil {
		return b.seen
	}
	return b.inner.TransferFrom(from, to, amount)
}

func (b *reentrantBank) Transfer(to crypto.Address, amount *big.Int) error {
	return b.inner.Transfer(to, amount)
}

func TestReentrantCallRejected(t *testing.T) {
	env := newTestEnv(t)
	user := makeAddress(0x10)
	env.fund(t, user, "WETH", wei(1))

	trap := &reentrantBank{inner: env.banks["WETH"], engine: env.engine}
	if err := env.engine.SetCollateralBank("WETH", trap); err != nil {
		t.Fatalf("set bank: %v", err)
	}

	err := env.engine.DepositCollateral(context.Background(), user, "WETH", wei(1))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if !errors.Is(trap.seen, ErrReentrantCall) {
		t.Fatalf("expected inner ErrReentrantCall, got %v", trap.seen)
	}
	ledger, err := env.engine.GetCollateralBalanceOfUser(user, "WETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if ledger.Sign() != 0 {
		t.Fatalf("expected no ledger mutation, got %s", ledger)
	}
}

func TestReadEndpointsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	user := makeAddress(0x10)
	env.fund(t, user, "WETH", wei(10))
	if err := env.engine.DepositCollateralAndMintDsc(context.Background(), user, "WETH", wei(10), wei(8000)); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}

	first, err := env.engine.GetAccountCollateralValue(context.Background(), user)
	if err != nil {
		t.Fatalf("collateral value: %v", err)
	}
	second, err := env.engine.GetAccountCollateralValue(context.Background(), user)
	if err != nil {
		t.Fatalf("collateral value: %v", err)
	}
	if first.Cmp(second) != 0 {
		t.Fatalf("read endpoint not idempotent: %s != %s", first, second)
	}

	h1, err := env.engine.HealthFactor(context.Background(), user)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	h2, err := env.engine.HealthFactor(context.Background(), user)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if h1.Cmp(h2) != 0 {
		t.Fatalf("health factor not idempotent: %s != %s", h1, h2)
	}
}

func TestConstantGetters(t *testing.T) {
	env := newTestEnv(t)
	if got := env.engine.LiquidationBonus(); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("unexpected bonus: %s", got)
	}
	if got := env.engine.LiquidationThreshold(); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected threshold: %s", got)
	}
	if got := env.engine.MinHealthFactor(); got.Cmp(mustBigInt("1000000000000000000")) != 0 {
		t.Fatalf("unexpected minimum health factor: %s", got)
	}
	if got := env.engine.CollateralTokens(); len(got) != 1 || got[0] != "WETH" {
		t.Fatalf("unexpected approved set: %v", got)
	}
}
