package stable

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"dscengine/crypto"
)

// LiquidationResult reports what a completed liquidation moved.
type LiquidationResult struct {
	// DebtCovered is the synthetic-token amount burned from the liquidator
	// and removed from the target's debt ledger.
	DebtCovered *big.Int
	// CollateralSeized is the collateral quantity paid to the liquidator,
	// bonus included.
	CollateralSeized *big.Int
	// EndingHealthFactor is the target's ratio after the liquidation.
	EndingHealthFactor *big.Int
}

// Liquidate lets a third party cover part of an insolvent account's debt in
// exchange for the equivalent collateral plus a bonus. The target's health
// factor must be below the minimum before, and strictly higher after, or the
// whole operation fails with no ledger effect.
//
// Known limitation, kept deliberately: when aggregate collateral value falls
// to or below 100% of outstanding debt there may be no bonus collateral left
// to pay, and such positions can become unliquidatable.
func (e *Engine) Liquidate(ctx context.Context, liquidator, target crypto.Address, asset string, debtToCover *big.Int) (LiquidationResult, error) {
	if err := e.enter(); err != nil {
		return LiquidationResult{}, err
	}
	defer e.mu.Unlock()
	ctx, span := e.tracer.Start(ctx, "stable.Liquidate")
	result, err := e.liquidate(ctx, liquidator, target, asset, debtToCover)
	e.observe(span, "liquidate", err)
	return result, err
}

func (e *Engine) liquidate(ctx context.Context, liquidator, target crypto.Address, asset string, debtToCover *big.Int) (LiquidationResult, error) {
	if debtToCover == nil || debtToCover.Sign() <= 0 {
		return LiquidationResult{}, ErrInvalidAmount
	}
	symbol, err := e.asset(asset)
	if err != nil {
		return LiquidationResult{}, err
	}
	bank, err := e.bank(symbol)
	if err != nil {
		return LiquidationResult{}, err
	}
	tx, err := e.begin()
	if err != nil {
		return LiquidationResult{}, err
	}

	startingHealth, err := e.healthFactor(ctx, tx, target)
	if err != nil {
		return LiquidationResult{}, err
	}
	if startingHealth.Cmp(minHealthFactor) >= 0 {
		return LiquidationResult{}, ErrHealthFactorOK
	}

	// Convert the covered debt into collateral units and add the incentive.
	baseCollateral, err := e.tokenAmountFromUsd(ctx, symbol, debtToCover)
	if err != nil {
		return LiquidationResult{}, err
	}
	bonus := mulDiv(baseCollateral, liquidationBonus, liquidationPrecision)
	seize := new(big.Int).Add(baseCollateral, bonus)

	if err := e.stageWithdraw(tx, target, symbol, seize); err != nil {
		return LiquidationResult{}, err
	}
	if err := e.stageBurn(tx, target, debtToCover); err != nil {
		return LiquidationResult{}, err
	}

	endingHealth, err := e.healthFactor(ctx, tx, target)
	if err != nil {
		return LiquidationResult{}, err
	}
	if endingHealth.Cmp(startingHealth) <= 0 {
		return LiquidationResult{}, ErrHealthFactorNotImproved
	}
	if err := e.assertSolvent(ctx, tx, liquidator); err != nil {
		return LiquidationResult{}, err
	}

	// The liquidator pays first; the seized collateral follows. If the
	// collateral leg fails the burned tokens are reissued so the aborted
	// operation leaves no externally visible effect.
	if err := e.token.BurnFrom(liquidator, debtToCover); err != nil {
		return LiquidationResult{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := bank.Transfer(liquidator, seize); err != nil {
		if refundErr := e.token.Mint(liquidator, debtToCover); refundErr != nil {
			e.log().Error("token reissue after failed seizure transfer",
				slog.String("liquidator", liquidator.String()),
				slog.String("error", refundErr.Error()))
		}
		return LiquidationResult{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	if err := tx.commit(); err != nil {
		return LiquidationResult{}, err
	}

	e.record(ctx, journalOp{op: "liquidate", account: target, counterparty: liquidator, asset: symbol, amount: seize, debtDelta: debtToCover})
	e.metrics.RecordLiquidation(bigToFloat(debtToCover))
	e.log().Info("position liquidated",
		slog.String("target", target.String()),
		slog.String("liquidator", liquidator.String()),
		slog.String("asset", symbol),
		slog.String("debt_covered", debtToCover.String()),
		slog.String("collateral_seized", seize.String()))

	return LiquidationResult{
		DebtCovered:        new(big.Int).Set(debtToCover),
		CollateralSeized:   seize,
		EndingHealthFactor: endingHealth,
	}, nil
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
