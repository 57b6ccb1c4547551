package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"github.com/vitos/futures_guard/internal/domain"
	"github.com/vitos/futures_guard/internal/usecase"
)

var errNotConfirmed = errors.New("refusing to act without --yes")

const notRunningNote = `
This command acts on the broker from its own process. It does not stop a
"bot run" started elsewhere: stop that process first, or its loops keep
trading.`

// withApp runs fn against a freshly wired app. One-shot commands talk to
// the broker and ledger directly; they do not reach a bot running in
// another process.
func withApp(cmd *cobra.Command, rc *rootConfig, fn func(ctx context.Context, a *app) (any, error)) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, rc.configPath)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := fn(ctx, a)
	if result != nil {
		if encErr := printJSON(cmd.OutOrStdout(), result); encErr != nil {
			return encErr
		}
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// actionError turns partial failures into a non-zero exit.
func actionError(result *usecase.ActionResult, err error) error {
	if err != nil {
		return err
	}
	if result != nil && result.Failed() > 0 {
		return fmt.Errorf("%s: %d item(s) failed: %w", result.Action, result.Failed(), result.Err())
	}
	return nil
}

func newReconcileCmd(rc *rootConfig) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Close ledger records the broker no longer backs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rc, func(ctx context.Context, a *app) (any, error) {
				m := mode
				if m == "" {
					m = a.cfg.Current().Reconcile.Mode
				}
				parsed, err := domain.ParseReconcileMode(m)
				if err != nil {
					return nil, err
				}
				report, err := a.reconciler.Reconcile(ctx, parsed)
				if report == nil {
					return nil, err
				}
				return report, err
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "normal or strict (default from reconcile.mode)")
	return cmd
}

func newPanicCloseCmd(rc *rootConfig) *cobra.Command {
	var (
		reason string
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "panic-close",
		Short: "Close every broker position with reduce-only market orders and cancel all orders",
		Long: "Close every broker position with one reduce-only market order per symbol, then cancel\n" +
			"all resting orders. Ledger records are closed by the next reconcile.\n" + notRunningNote,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errNotConfirmed
			}
			return withApp(cmd, rc, func(ctx context.Context, a *app) (any, error) {
				result, err := a.emergency.PanicCloseAll(ctx, reason)
				return result, actionError(result, err)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual panic close", "reason written to the audit log")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the action")
	return cmd
}

func newEmergencyStopCmd(rc *rootConfig) *cobra.Command {
	var (
		reason string
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "emergency-stop",
		Short: "Cancel every resting order and leave positions open",
		Long:  "Stop trading and cancel every resting order. Positions stay open.\n" + notRunningNote,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errNotConfirmed
			}
			return withApp(cmd, rc, func(ctx context.Context, a *app) (any, error) {
				result, err := a.emergency.EmergencyStop(ctx, reason)
				return result, actionError(result, err)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual emergency stop", "reason written to the audit log")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the action")
	return cmd
}

func newReduceCmd(rc *rootConfig) *cobra.Command {
	var (
		pct float64
		yes bool
	)
	cmd := &cobra.Command{
		Use:   "reduce",
		Short: "Reduce every broker position by a percentage",
		Long:  "Reduce every broker position by --pct percent with reduce-only market orders.\n" + notRunningNote,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pct <= 0 || pct > 100 {
				return fmt.Errorf("%w: got %v", domain.ErrInvalidPercent, pct)
			}
			if !yes {
				return errNotConfirmed
			}
			return withApp(cmd, rc, func(ctx context.Context, a *app) (any, error) {
				result, err := a.emergency.ReduceAllPositions(ctx, pct)
				return result, actionError(result, err)
			})
		},
	}
	cmd.Flags().Float64Var(&pct, "pct", 50, "percent of each position to close, in (0, 100]")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the action")
	return cmd
}

func newCancelAllCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-all",
		Short: "Cancel every resting order",
		Long:  "Cancel every resting order, symbol by symbol.\n" + notRunningNote,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rc, func(ctx context.Context, a *app) (any, error) {
				result, err := a.emergency.CancelAllOrders(ctx)
				return result, actionError(result, err)
			})
		},
	}
}

func sortedSymbols(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
