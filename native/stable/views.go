package stable

import (
	"context"
	"math/big"

	"dscengine/crypto"
)

// The view surface never mutates state. Valuation-backed reads surface
// oracle faults as errors instead of substituting sentinel values.

// GetUsdValue converts a quantity of an approved asset into its 18-decimal
// reference-currency value at the current oracle price.
func (e *Engine) GetUsdValue(ctx context.Context, asset string, quantity *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, errNilState
	}
	symbol, err := e.asset(asset)
	if err != nil {
		return nil, err
	}
	if quantity == nil {
		return big.NewInt(0), nil
	}
	return e.usdValue(ctx, symbol, quantity)
}

// GetTokenAmountFromUsd converts an 18-decimal reference-currency value into
// the equivalent quantity of the approved asset.
func (e *Engine) GetTokenAmountFromUsd(ctx context.Context, asset string, usdValue *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, errNilState
	}
	symbol, err := e.asset(asset)
	if err != nil {
		return nil, err
	}
	if usdValue == nil {
		return big.NewInt(0), nil
	}
	return e.tokenAmountFromUsd(ctx, symbol, usdValue)
}

// GetAccountCollateralValue sums the reference-currency value of every
// approved asset the account has deposited.
func (e *Engine) GetAccountCollateralValue(ctx context.Context, account crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.collateralValue(ctx, e.state, account)
}

// GetAccountInformation returns the account's outstanding debt and total
// collateral value.
func (e *Engine) GetAccountInformation(ctx context.Context, account crypto.Address) (debt, collateralValue *big.Int, err error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	debt, err = e.state.DebtBalance(account)
	if err != nil {
		return nil, nil, err
	}
	collateralValue, err = e.collateralValue(ctx, e.state, account)
	if err != nil {
		return nil, nil, err
	}
	return debt, collateralValue, nil
}

// GetCollateralBalanceOfUser returns the deposited quantity for one asset.
func (e *Engine) GetCollateralBalanceOfUser(account crypto.Address, asset string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	symbol, err := e.asset(asset)
	if err != nil {
		return nil, err
	}
	return e.state.CollateralBalance(account, symbol)
}

// HealthFactor computes the account's current solvency ratio. An account
// with no debt reports the unbounded sentinel.
func (e *Engine) HealthFactor(ctx context.Context, account crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.healthFactor(ctx, e.state, account)
}

// CollateralTokens returns the ordered approved collateral set.
func (e *Engine) CollateralTokens() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.assets...)
}

// CollateralTokenPriceFeed returns the oracle reference for an approved
// asset.
func (e *Engine) CollateralTokenPriceFeed(asset string) (PriceFeed, error) {
	if e == nil {
		return nil, errNilState
	}
	symbol, err := e.asset(asset)
	if err != nil {
		return nil, err
	}
	return e.feeds[symbol], nil
}

// Custody returns the address holding deposited collateral.
func (e *Engine) Custody() crypto.Address {
	return e.custody
}

// --- protocol constants ---

func (e *Engine) LiquidationBonus() *big.Int     { return new(big.Int).Set(liquidationBonus) }
func (e *Engine) LiquidationThreshold() *big.Int { return new(big.Int).Set(liquidationThreshold) }
func (e *Engine) LiquidationPrecision() *big.Int { return new(big.Int).Set(liquidationPrecision) }
func (e *Engine) Precision() *big.Int            { return new(big.Int).Set(precision) }
func (e *Engine) AdditionalFeedPrecision() *big.Int {
	return new(big.Int).Set(additionalFeedPrecision)
}
func (e *Engine) MinHealthFactor() *big.Int { return new(big.Int).Set(minHealthFactor) }
