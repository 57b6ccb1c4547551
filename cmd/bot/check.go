package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/vitos/futures_guard/internal/domain"
)

// newCheckCmd probes the broker and compares it with the ledger without
// changing either.
func newCheckCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Print account, capital state, broker positions, open orders and ledger records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rc, func(ctx context.Context, a *app) (any, error) {
				return nil, printCheck(ctx, cmd.OutOrStdout(), a)
			})
		},
	}
}

func printCheck(ctx context.Context, out io.Writer, a *app) error {
	cfg := a.cfg.Current()
	fmt.Fprintf(out, "Exchange: %s (paper=%v) %s\n", cfg.Exchange.Name, cfg.Exchange.Paper, cfg.Exchange.RESTEndpoint)

	state, err := a.capital.GetCapitalState(ctx)
	if err != nil {
		fmt.Fprintf(out, "FAIL account: %v\n", err)
		return err
	}
	s := state.Snapshot
	fmt.Fprintf(out, "OK   wallet=%.2f available=%.2f margin=%.2f%% upnl=%.2f (%.2f%%) status=%s zone=%s\n",
		s.WalletBalance, s.AvailableBalance, s.MarginUsedPct, s.UnrealizedPnL, s.UnrealizedPnLPct, state.Status, state.Zone)

	positions, err := a.broker.GetOpenPositions(ctx)
	if err != nil {
		fmt.Fprintf(out, "FAIL positions: %v\n", err)
		return err
	}
	orders, err := a.broker.GetOpenOrders(ctx)
	if err != nil {
		fmt.Fprintf(out, "FAIL orders: %v\n", err)
		return err
	}
	records, err := a.ledger.ListPositions(ctx, domain.PositionFilter{Status: domain.StatusOpen})
	if err != nil {
		fmt.Fprintf(out, "FAIL ledger: %v\n", err)
		return err
	}

	local := make(map[string]float64)
	for _, r := range records {
		local[r.Symbol] += r.Side.Sign() * r.Quantity
	}
	broker := domain.NetQuantities(positions)
	for symbol := range local {
		if _, ok := broker[symbol]; !ok {
			broker[symbol] = 0
		}
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tBROKER\tLEDGER\tORDERS")
	for _, symbol := range sortedSymbols(broker) {
		n := 0
		for _, o := range orders {
			if o.Symbol == symbol {
				n++
			}
		}
		fmt.Fprintf(w, "%s\t%g\t%g\t%d\n", symbol, broker[symbol], local[symbol], n)
	}
	return w.Flush()
}
