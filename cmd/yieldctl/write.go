package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/coldbell/yieldos/backend/internal/orchestrator"
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

func runDeposit(ctx context.Context, a *app, args []string) error {
	fs := a.flags("deposit")
	strategyID := fs.Uint64("strategy", 0, "strategy ID")
	amount := fs.String("amount", "", "amount of the underlying asset, e.g. 1.5")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if err := requireStrategy(*strategyID); err != nil {
		return err
	}

	strategy, err := a.reader.Strategy(ctx, *strategyID)
	if err != nil {
		return err
	}
	decimals, err := a.mintDecimals(ctx, strategy.UnderlyingMint)
	if err != nil {
		return err
	}
	units, err := protocol.ParseUnits(*amount, decimals)
	if err != nil {
		return err
	}
	session, err := a.signer()
	if err != nil {
		return err
	}
	res, err := session.Deposit(ctx, orchestrator.DepositRequest{StrategyID: *strategyID, Amount: units})
	if err != nil {
		return err
	}
	return a.printResult(res, decimals)
}

func runWithdraw(ctx context.Context, a *app, args []string) error {
	fs := a.flags("withdraw")
	strategyID := fs.Uint64("strategy", 0, "strategy ID")
	amount := fs.String("amount", "", "amount of the underlying asset to withdraw")
	all := fs.Bool("all", false, "withdraw the whole deposit")
	unwrap := fs.Bool("unwrap", false, "close the wrapped-native account afterwards")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if err := requireStrategy(*strategyID); err != nil {
		return err
	}
	if *all == (*amount != "") {
		return fmt.Errorf("%w: pass exactly one of --amount or --all", errUsage)
	}

	strategy, err := a.reader.Strategy(ctx, *strategyID)
	if err != nil {
		return err
	}
	decimals, err := a.mintDecimals(ctx, strategy.UnderlyingMint)
	if err != nil {
		return err
	}
	req := orchestrator.WithdrawRequest{StrategyID: *strategyID, All: *all, Unwrap: *unwrap}
	if !*all {
		if req.Amount, err = protocol.ParseUnits(*amount, decimals); err != nil {
			return err
		}
	}
	session, err := a.signer()
	if err != nil {
		return err
	}
	res, err := session.Withdraw(ctx, req)
	if err != nil {
		return err
	}
	return a.printResult(res, decimals)
}

func runClaim(ctx context.Context, a *app, args []string) error {
	fs := a.flags("claim")
	strategyID := fs.Uint64("strategy", 0, "strategy ID")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if err := requireStrategy(*strategyID); err != nil {
		return err
	}
	session, err := a.signer()
	if err != nil {
		return err
	}
	res, err := session.ClaimYield(ctx, orchestrator.ClaimYieldRequest{StrategyID: *strategyID})
	if err != nil {
		return err
	}
	return a.printResult(res, 0)
}

func runRedeem(ctx context.Context, a *app, args []string) error {
	fs := a.flags("redeem")
	strategyID := fs.Uint64("strategy", 0, "strategy ID")
	amount := fs.String("amount", "", "yield tokens to redeem")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if err := requireStrategy(*strategyID); err != nil {
		return err
	}

	strategy, err := a.reader.Strategy(ctx, *strategyID)
	if err != nil {
		return err
	}
	decimals, err := a.mintDecimals(ctx, strategy.YieldMint)
	if err != nil {
		return err
	}
	units, err := protocol.ParseUnits(*amount, decimals)
	if err != nil {
		return err
	}
	session, err := a.signer()
	if err != nil {
		return err
	}
	res, err := session.RedeemYieldTokens(ctx, orchestrator.RedeemRequest{StrategyID: *strategyID, Amount: units})
	if err != nil {
		return err
	}
	return a.printResult(res, decimals)
}

func runInitProtocol(ctx context.Context, a *app, args []string) error {
	fs := a.flags("init-protocol")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	session, err := a.signer()
	if err != nil {
		return err
	}
	res, err := session.InitializeProtocol(ctx)
	if err != nil {
		return err
	}
	return a.printResult(res, 0)
}

func runCreateStrategy(ctx context.Context, a *app, args []string) error {
	fs := a.flags("create-strategy")
	name := fs.String("name", "", "strategy name")
	apyBps := fs.Uint("apy-bps", 0, "advertised APY in basis points")
	id := fs.Uint64("id", 0, "strategy ID (default: next from the counter)")
	underlying := pubkeyFlag{value: protocol.NativeMint, set: true}
	fs.Var(&underlying, "underlying-mint", "underlying asset mint")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if strings.TrimSpace(*name) == "" {
		return fmt.Errorf("%w: --name is required", errUsage)
	}
	if *apyBps > 0xFFFF {
		return fmt.Errorf("%w: --apy-bps must fit in 16 bits", errUsage)
	}

	session, err := a.signer()
	if err != nil {
		return err
	}
	res, err := session.CreateStrategy(ctx, orchestrator.CreateStrategyRequest{
		Name:           *name,
		APYBasisPoints: uint16(*apyBps),
		UnderlyingMint: underlying.value,
		StrategyID:     *id,
	})
	if err != nil {
		return err
	}
	return a.printResult(res, 0)
}

func runCreateMarketplace(ctx context.Context, a *app, args []string) error {
	fs := a.flags("create-marketplace")
	strategyID := fs.Uint64("strategy", 0, "strategy ID")
	feeBps := fs.Uint("fee-bps", 0, "trading fee in basis points")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if err := requireStrategy(*strategyID); err != nil {
		return err
	}
	if *feeBps > protocol.MaxTradingFeeBps {
		return fmt.Errorf("%w: --fee-bps must be at most %d", errUsage, protocol.MaxTradingFeeBps)
	}

	session, err := a.signer()
	if err != nil {
		return err
	}
	res, err := session.CreateMarketplace(ctx, orchestrator.CreateMarketplaceRequest{
		StrategyID:    *strategyID,
		TradingFeeBps: uint16(*feeBps),
	})
	if err != nil {
		return err
	}
	return a.printResult(res, 0)
}

func runPlaceOrder(ctx context.Context, a *app, args []string) error {
	fs := a.flags("place-order")
	strategyID := fs.Uint64("strategy", 0, "strategy ID")
	side := fs.String("side", "", "buy or sell")
	amount := fs.String("amount", "", "yield tokens to buy or sell")
	price := fs.String("price", "", "price per yield token in the underlying asset")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if err := requireStrategy(*strategyID); err != nil {
		return err
	}
	orderType, err := protocol.ParseOrderType(strings.ToLower(strings.TrimSpace(*side)))
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	marketplace, err := a.reader.Marketplace(ctx, *strategyID)
	if err != nil {
		return err
	}
	decimals, err := a.mintDecimals(ctx, marketplace.YieldMint)
	if err != nil {
		return err
	}
	units, err := protocol.ParseUnits(*amount, decimals)
	if err != nil {
		return err
	}
	pricePerToken, err := protocol.ParsePrice(*price)
	if err != nil {
		return err
	}

	session, err := a.signer()
	if err != nil {
		return err
	}
	res, err := session.PlaceOrder(ctx, orchestrator.PlaceOrderRequest{
		StrategyID:    *strategyID,
		Type:          orderType,
		Amount:        units,
		PricePerToken: pricePerToken,
	})
	if err != nil {
		return err
	}
	return a.printResult(res, decimals)
}

func runCancelOrder(ctx context.Context, a *app, args []string) error {
	fs := a.flags("cancel-order")
	orderID := fs.Uint64("order-id", 0, "ID of one of your orders")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if *orderID == 0 {
		return fmt.Errorf("%w: --order-id is required", errUsage)
	}
	session, err := a.signer()
	if err != nil {
		return err
	}
	res, err := session.CancelOrder(ctx, orchestrator.CancelOrderRequest{OrderID: *orderID})
	if err != nil {
		return err
	}
	return a.printResult(res, 0)
}

func runExecuteTrade(ctx context.Context, a *app, args []string) error {
	fs := a.flags("execute-trade")
	var buy, sell pubkeyFlag
	fs.Var(&buy, "buy", "buy order address")
	fs.Var(&sell, "sell", "sell order address")
	amount := fs.String("amount", "", "yield tokens to cross (default: as much as both allow)")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if !buy.set || !sell.set {
		return fmt.Errorf("%w: --buy and --sell are required", errUsage)
	}

	order, err := a.reader.Order(ctx, buy.value)
	if err != nil {
		return err
	}
	marketplace, err := a.reader.MarketplaceAt(ctx, order.Marketplace, false)
	if err != nil {
		return err
	}
	decimals, err := a.mintDecimals(ctx, marketplace.YieldMint)
	if err != nil {
		return err
	}
	req := orchestrator.ExecuteTradeRequest{BuyOrder: buy.value, SellOrder: sell.value}
	if *amount != "" {
		if req.Amount, err = protocol.ParseUnits(*amount, decimals); err != nil {
			return err
		}
	}

	session, err := a.signer()
	if err != nil {
		return err
	}
	res, err := session.ExecuteTrade(ctx, req)
	if err != nil {
		return err
	}
	return a.printResult(res, decimals)
}
