package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/Anupamvm/mCube-ai-sub004/internal/errors"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
	"github.com/Anupamvm/mCube-ai-sub004/internal/trading"
	"github.com/Anupamvm/mCube-ai-sub004/pkg/utils"
)

// readRetry is the backoff applied to live position and margin fetches.
// These are idempotent reads, so transient broker faults get another
// attempt here; order placement never goes through this path.
func readRetry() utils.RetryConfig {
	cfg := utils.DefaultRetryConfig()
	cfg.RetryIf = apperrors.IsRetryableRead
	return cfg
}

// addAccountCommands adds position, margin and sync commands.
func addAccountCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newMarginCmd(app))
	rootCmd.AddCommand(newSyncCmd(app))
}

func newPositionsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Show positions for the selected account",
		Long: `Fetch and display the account's position book.

By default this asks the broker directly. With --stored the last
snapshot recorded by 'mcube sync' is shown instead, without touching
the network.`,
		Example: `  mcube positions
  mcube positions --account ACC2
  mcube positions --stored`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			key, err := resolveAccount(app, cmd)
			if err != nil {
				return err
			}
			stored, _ := cmd.Flags().GetBool("stored")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			var positions []models.Position
			var asOf time.Time
			if stored {
				if app.Store == nil {
					output.Error("Result store is disabled, enable [database] in config.toml")
					return fmt.Errorf("result store disabled")
				}
				positions, asOf, err = app.Store.LatestPositions(ctx, key.AccountID)
				if err != nil {
					output.Error("✗ Snapshot lookup failed: %v", err)
					return err
				}
				if asOf.IsZero() {
					output.Dim("No stored snapshot for %s. Run 'mcube sync' first.", key)
					return nil
				}
			} else {
				positions, err = utils.RetryWithResult(ctx, readRetry(), func() ([]models.Position, error) {
					return app.Syncer.Positions(ctx, key)
				})
				if err != nil {
					output.Error("✗ Position fetch failed: %v", err)
					return err
				}
				asOf = time.Now()
			}

			if output.IsJSON() {
				return output.JSON(positionsJSON(key.AccountID, positions, asOf))
			}

			renderPositions(output, positions)
			if stored {
				output.Dim("Snapshot taken %s", FormatDateTime(asOf))
			}
			return nil
		},
	}

	cmd.Flags().Bool("stored", false, "show the last recorded snapshot instead of fetching")
	return cmd
}

func renderPositions(output *Output, positions []models.Position) {
	if len(positions) == 0 {
		output.Dim("No positions.")
		return
	}

	table := NewTable(output, "SYMBOL", "EXCH", "PRODUCT", "QTY", "AVG", "LTP", "P&L")
	for _, p := range positions {
		qty := fmt.Sprintf("%d", p.Quantity)
		if p.IsFlat() {
			qty = output.DimText(qty)
		}
		table.AddRow(
			p.Symbol,
			string(p.Exchange),
			string(p.Product),
			qty,
			FormatPrice(p.AveragePrice),
			FormatPrice(p.LTP),
			output.FormatPnL(p.UnrealizedPnL),
		)
	}
	table.Render()

	summary := trading.SummarizePositions(positions)
	output.Println()
	output.Printf("%d positions, %d open  unrealized %s  realized %s\n",
		summary.Total, summary.Open,
		output.FormatPnL(summary.TotalUnrealized),
		output.FormatPnL(summary.TotalRealized),
	)
}

type positionView struct {
	Symbol        string `json:"symbol"`
	Exchange      string `json:"exchange"`
	Product       string `json:"product"`
	Quantity      int    `json:"quantity"`
	AveragePrice  string `json:"average_price"`
	LTP           string `json:"ltp"`
	UnrealizedPnL string `json:"unrealized_pnl"`
	RealizedPnL   string `json:"realized_pnl"`
}

type positionsView struct {
	Account   string         `json:"account"`
	AsOf      string         `json:"as_of"`
	Positions []positionView `json:"positions"`
}

func positionsJSON(account string, positions []models.Position, asOf time.Time) positionsView {
	view := positionsView{
		Account:   account,
		AsOf:      asOf.Format(time.RFC3339),
		Positions: make([]positionView, 0, len(positions)),
	}
	for _, p := range positions {
		view.Positions = append(view.Positions, positionView{
			Symbol:        p.Symbol,
			Exchange:      string(p.Exchange),
			Product:       string(p.Product),
			Quantity:      p.Quantity,
			AveragePrice:  p.AveragePrice.String(),
			LTP:           p.LTP.String(),
			UnrealizedPnL: p.UnrealizedPnL.String(),
			RealizedPnL:   p.RealizedPnL.String(),
		})
	}
	return view
}

func newMarginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "margin",
		Short: "Show margin for the selected account",
		Long: `Fetch and display the account's margin summary.

With --stored the last snapshot recorded by 'mcube sync' is shown
instead of asking the broker.`,
		Example: `  mcube margin
  mcube margin --stored`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			key, err := resolveAccount(app, cmd)
			if err != nil {
				return err
			}
			stored, _ := cmd.Flags().GetBool("stored")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			var margin *models.Margin
			if stored {
				if app.Store == nil {
					output.Error("Result store is disabled, enable [database] in config.toml")
					return fmt.Errorf("result store disabled")
				}
				margin, err = app.Store.LatestMargin(ctx, key.AccountID)
				if err != nil {
					output.Error("✗ Snapshot lookup failed: %v", err)
					return err
				}
				if margin == nil {
					output.Dim("No stored margin for %s. Run 'mcube sync' first.", key)
					return nil
				}
			} else {
				margin, err = utils.RetryWithResult(ctx, readRetry(), func() (*models.Margin, error) {
					return app.Syncer.Margins(ctx, key)
				})
				if err != nil {
					output.Error("✗ Margin fetch failed: %v", err)
					return err
				}
			}

			if output.IsJSON() {
				return output.JSON(marginJSON(key.AccountID, margin))
			}

			lines := []string{
				"Available:  " + output.Green(utils.FormatIndianCurrency(margin.Available)),
				"Used:       " + utils.FormatIndianCurrency(margin.Used),
				"Total:      " + utils.FormatIndianCurrency(margin.Total),
			}
			if !margin.ExposureFO.IsZero() {
				lines = append(lines, "F&O:        "+utils.FormatIndianCurrency(margin.ExposureFO))
			}
			if !margin.Collateral.IsZero() {
				lines = append(lines, "Collateral: "+utils.FormatIndianCurrency(margin.Collateral))
			}
			if !margin.FetchedAt.IsZero() {
				lines = append(lines, "As of:      "+FormatDateTime(margin.FetchedAt))
			}
			output.Box("Margin "+key.String(), lines)
			return nil
		},
	}

	cmd.Flags().Bool("stored", false, "show the last recorded snapshot instead of fetching")
	return cmd
}

type marginView struct {
	Account    string `json:"account"`
	Broker     string `json:"broker"`
	Available  string `json:"available"`
	Used       string `json:"used"`
	Total      string `json:"total"`
	ExposureFO string `json:"exposure_fo,omitempty"`
	Collateral string `json:"collateral,omitempty"`
	FetchedAt  string `json:"fetched_at,omitempty"`
}

func marginJSON(account string, m *models.Margin) marginView {
	view := marginView{
		Account:   account,
		Broker:    string(m.Broker),
		Available: m.Available.String(),
		Used:      m.Used.String(),
		Total:     m.Total.String(),
	}
	if !m.ExposureFO.IsZero() {
		view.ExposureFO = m.ExposureFO.String()
	}
	if !m.Collateral.IsZero() {
		view.Collateral = m.Collateral.String()
	}
	if !m.FetchedAt.IsZero() {
		view.FetchedAt = m.FetchedAt.Format(time.RFC3339)
	}
	return view
}

func newSyncCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync positions and margins for all enabled accounts",
		Long: `Fetch positions and margin for every enabled account and record
the snapshots in the local store. One broker failing does not stop the
others.`,
		Example: `  mcube sync
  mcube sync --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			keys := accountKeys(app)
			results := app.Syncer.SnapshotAll(ctx, keys)

			var failed []string
			if output.IsJSON() {
				views := make([]syncView, 0, len(results))
				for _, res := range results {
					views = append(views, syncJSON(res))
					if res.Err != nil {
						failed = append(failed, res.Key.String())
					}
				}
				if err := output.JSON(views); err != nil {
					return err
				}
			} else {
				table := NewTable(output, "ACCOUNT", "BROKER", "POSITIONS", "OPEN", "UNREALIZED", "AVAILABLE", "STATUS")
				for _, res := range results {
					if res.Err != nil {
						failed = append(failed, res.Key.String())
						table.AddRow(res.Key.AccountID, string(res.Key.Broker),
							"-", "-", "-", "-", output.Red(TruncateString(res.Err.Error(), 48)))
						continue
					}
					summary := trading.SummarizePositions(res.Snapshot.Positions)
					table.AddRow(
						res.Key.AccountID,
						string(res.Key.Broker),
						fmt.Sprintf("%d", summary.Total),
						fmt.Sprintf("%d", summary.Open),
						output.FormatPnL(summary.TotalUnrealized),
						utils.FormatIndianCurrency(res.Snapshot.Margin.Available),
						output.Green("OK"),
					)
				}
				table.Render()
				if app.Store == nil {
					output.Println()
					output.Dim("Result store is disabled, snapshots were not recorded.")
				}
			}

			if len(failed) > 0 {
				return fmt.Errorf("sync failed for %d of %d accounts: %v", len(failed), len(results), failed)
			}
			return nil
		},
	}
}

type syncView struct {
	Account         string `json:"account"`
	Broker          string `json:"broker"`
	Error           string `json:"error,omitempty"`
	Positions       int    `json:"positions"`
	OpenPositions   int    `json:"open_positions"`
	UnrealizedPnL   string `json:"unrealized_pnl,omitempty"`
	MarginAvailable string `json:"margin_available,omitempty"`
	FetchedAt       string `json:"fetched_at,omitempty"`
}

func syncJSON(res trading.SyncResult) syncView {
	view := syncView{
		Account: res.Key.AccountID,
		Broker:  string(res.Key.Broker),
	}
	if res.Err != nil {
		view.Error = res.Err.Error()
		return view
	}
	summary := trading.SummarizePositions(res.Snapshot.Positions)
	view.Positions = summary.Total
	view.OpenPositions = summary.Open
	view.UnrealizedPnL = summary.TotalUnrealized.String()
	view.MarginAvailable = res.Snapshot.Margin.Available.String()
	view.FetchedAt = res.Snapshot.FetchedAt.Format(time.RFC3339)
	return view
}
