package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
	"github.com/Anupamvm/mCube-ai-sub004/internal/security"
	"github.com/Anupamvm/mCube-ai-sub004/internal/store"
)

// addOrderCommands adds order placement and management commands.
func addOrderCommands(rootCmd *cobra.Command, app *App) {
	orderCmd := &cobra.Command{
		Use:   "order",
		Short: "Place and manage orders",
	}
	orderCmd.AddCommand(newOrderPlaceCmd(app))
	orderCmd.AddCommand(newOrderCancelCmd(app))
	orderCmd.AddCommand(newOrderStatusCmd(app))
	orderCmd.AddCommand(newOrderHistoryCmd(app))
	rootCmd.AddCommand(orderCmd)
}

func newOrderPlaceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "place",
		Short: "Place an order on the selected account",
		Long: `Place an order on the selected account.

The order is validated locally, checked against venue rules and risk
limits, and only then handed to the broker. A session that expired
mid-flight is refreshed once and the order submitted again.`,
		Example: `  mcube order place --symbol SBIN --side buy --qty 10
  mcube order place --symbol SBIN --side buy --qty 10 --type LIMIT --price 505.25
  mcube order place --symbol NIFTY24AUGFUT --exchange NFO --side sell --qty 50 --product NRML`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			key, err := resolveAccount(app, cmd)
			if err != nil {
				return err
			}

			req, err := orderRequestFromFlags(app, cmd)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if err := app.Validator.ValidateSymbol(req.Symbol); err != nil {
				if app.Audit != nil {
					app.Audit.LogInputValidation(cmd.Context(), "symbol", req.Symbol, err.Error())
				}
				output.Error("%v", err)
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), orderTimeout(app))
			defer cancel()

			if err := app.Access.CheckPermission(ctx, security.OpPlaceOrder); err != nil {
				output.Warning("%v", err)
				return err
			}

			result, err := app.Executor.PlaceOrder(ctx, key, req)
			if app.Audit != nil {
				msg := result.Error
				if msg == "" && err != nil {
					msg = err.Error()
				}
				app.Audit.LogOrderPlaced(ctx, string(key.Broker), result.OrderID, req.Symbol,
					string(req.TransactionType), req.Quantity, req.Price.String(),
					string(req.OrderType), string(req.Product), err == nil, msg)
			}

			if output.IsJSON() {
				view := orderResultJSON(key.AccountID, result)
				if err != nil && view.Error == "" {
					view.Error = err.Error()
				}
				if jerr := output.JSON(view); jerr != nil {
					return jerr
				}
				return err
			}

			if err != nil {
				output.Error("✗ Order failed: %s", result.Error)
				if result.Message != "" && result.Message != result.Error {
					output.Dim("  %s", result.Message)
				}
				return err
			}

			output.Success("✓ Order placed: %s", result.OrderID)
			if result.Message != "" {
				output.Printf("  %s\n", result.Message)
			}
			output.Printf("  %s %s x%d on %s",
				req.TransactionType, req.Symbol, req.Quantity, string(key.Broker))
			if !result.Price.IsZero() {
				output.Printf(" @ %s", FormatPrice(result.Price))
			}
			output.Println()
			return nil
		},
	}

	cmd.Flags().String("symbol", "", "trading symbol (required)")
	cmd.Flags().String("exchange", "", "exchange (NSE, BSE, NFO, CDS, MCX)")
	cmd.Flags().String("side", "", "buy or sell (required)")
	cmd.Flags().String("type", "MARKET", "order type (MARKET, LIMIT, SL, SL-M)")
	cmd.Flags().Int("qty", 0, "quantity (required)")
	cmd.Flags().String("price", "", "limit price")
	cmd.Flags().String("trigger", "", "trigger price for SL and SL-M orders")
	cmd.Flags().String("product", "", "product type (MIS, CNC, NRML)")
	cmd.Flags().String("validity", "", "order validity (DAY, IOC)")
	cmd.Flags().String("tag", "", "order tag for tracking")
	cmd.MarkFlagRequired("symbol")
	cmd.MarkFlagRequired("side")
	cmd.MarkFlagRequired("qty")

	return cmd
}

// orderRequestFromFlags builds the normalized request, filling exchange
// and product from config defaults when the flags are silent.
func orderRequestFromFlags(app *App, cmd *cobra.Command) (*models.OrderRequest, error) {
	symbol, _ := cmd.Flags().GetString("symbol")
	exchange, _ := cmd.Flags().GetString("exchange")
	side, _ := cmd.Flags().GetString("side")
	orderType, _ := cmd.Flags().GetString("type")
	qty, _ := cmd.Flags().GetInt("qty")
	priceStr, _ := cmd.Flags().GetString("price")
	triggerStr, _ := cmd.Flags().GetString("trigger")
	product, _ := cmd.Flags().GetString("product")
	validity, _ := cmd.Flags().GetString("validity")
	tag, _ := cmd.Flags().GetString("tag")

	if exchange == "" {
		exchange = app.Config.Trading.DefaultExchange
	}
	if product == "" {
		product = app.Config.Trading.DefaultProduct
	}

	var side2 models.TransactionType
	switch strings.ToUpper(side) {
	case "BUY", "B":
		side2 = models.TransactionBuy
	case "SELL", "S":
		side2 = models.TransactionSell
	default:
		return nil, fmt.Errorf("invalid --side %q, use buy or sell", side)
	}

	req := &models.OrderRequest{
		Symbol:          strings.ToUpper(symbol),
		Exchange:        models.Exchange(strings.ToUpper(exchange)),
		TransactionType: side2,
		OrderType:       models.OrderType(strings.ToUpper(orderType)),
		Product:         models.ProductType(strings.ToUpper(product)),
		Quantity:        qty,
		Validity:        models.Validity(strings.ToUpper(validity)),
		Tag:             tag,
	}

	if priceStr != "" {
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --price %q: %w", priceStr, err)
		}
		req.Price = price
	}
	if triggerStr != "" {
		trigger, err := decimal.NewFromString(triggerStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --trigger %q: %w", triggerStr, err)
		}
		req.TriggerPrice = trigger
	}

	return req, nil
}

func orderTimeout(app *App) time.Duration {
	if t := app.Config.Trading.OrderTimeout; t > 0 {
		return t
	}
	return 15 * time.Second
}

func newOrderCancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "cancel <order-id>",
		Short:   "Cancel an open order",
		Args:    cobra.ExactArgs(1),
		Example: `  mcube order cancel PAPER_1724300000_1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			key, err := resolveAccount(app, cmd)
			if err != nil {
				return err
			}
			orderID := args[0]
			if err := app.Validator.ValidateOrderID(orderID); err != nil {
				if app.Audit != nil {
					app.Audit.LogInputValidation(cmd.Context(), "order_id", orderID, err.Error())
				}
				output.Error("%v", err)
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), orderTimeout(app))
			defer cancel()

			if err := app.Access.CheckPermission(ctx, security.OpCancelOrder); err != nil {
				output.Warning("%v", err)
				return err
			}

			err = app.Executor.CancelOrder(ctx, key, orderID)
			if app.Audit != nil {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				app.Audit.LogOrderCancelled(ctx, string(key.Broker), orderID, "", err == nil, msg)
			}
			if err != nil {
				output.Error("✗ Cancel failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"account":  key.String(),
					"order_id": orderID,
					"success":  true,
				})
			}
			output.Success("✓ Order %s cancelled", orderID)
			return nil
		},
	}
}

func newOrderStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "status <order-id>",
		Short:   "Show the current state of an order",
		Args:    cobra.ExactArgs(1),
		Example: `  mcube order status PAPER_1724300000_1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			key, err := resolveAccount(app, cmd)
			if err != nil {
				return err
			}
			orderID := args[0]
			if err := app.Validator.ValidateOrderID(orderID); err != nil {
				output.Error("%v", err)
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), orderTimeout(app))
			defer cancel()

			status, err := app.Executor.OrderStatus(ctx, key, orderID)
			if err != nil {
				output.Error("✗ Status lookup failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"order_id":       status.OrderID,
					"state":          string(status.State),
					"status_message": status.StatusMessage,
					"filled_qty":     status.FilledQty,
					"pending_qty":    status.PendingQty,
					"average_price":  status.AveragePrice.String(),
					"broker":         string(status.Broker),
					"updated_at":     status.UpdatedAt.Format(time.RFC3339),
				})
			}

			lines := []string{
				"State:    " + orderStateBadge(output, status.State),
				"Filled:   " + fmt.Sprintf("%d (pending %d)", status.FilledQty, status.PendingQty),
			}
			if !status.AveragePrice.IsZero() {
				lines = append(lines, "Avg:      "+FormatPrice(status.AveragePrice))
			}
			if status.StatusMessage != "" {
				lines = append(lines, "Message:  "+status.StatusMessage)
			}
			if !status.UpdatedAt.IsZero() {
				lines = append(lines, "Updated:  "+FormatDateTime(status.UpdatedAt))
			}
			output.Box("Order "+status.OrderID, lines)
			return nil
		},
	}
}

func orderStateBadge(output *Output, state models.OrderState) string {
	switch state {
	case models.OrderStateComplete:
		return output.Green(string(state))
	case models.OrderStateRejected, models.OrderStateCancelled:
		return output.Red(string(state))
	case models.OrderStateOpen, models.OrderStatePending:
		return output.Yellow(string(state))
	default:
		return string(state)
	}
}

func newOrderHistoryCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded order results",
		Long:  "Show order results recorded in the local store, newest first.",
		Example: `  mcube order history
  mcube order history --symbol SBIN --limit 10
  mcube order history --failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.Store == nil {
				output.Error("Result store is disabled, enable [database] in config.toml")
				return fmt.Errorf("result store disabled")
			}

			limit, _ := cmd.Flags().GetInt("limit")
			symbol, _ := cmd.Flags().GetString("symbol")
			failedOnly, _ := cmd.Flags().GetBool("failed")
			accountID, _ := cmd.Flags().GetString("account")

			filter := store.OrderFilter{
				Account: accountID,
				Symbol:  strings.ToUpper(symbol),
				Limit:   limit,
			}
			if failedOnly {
				success := false
				filter.Success = &success
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			records, err := app.Store.OrderResults(ctx, filter)
			if err != nil {
				output.Error("✗ Query failed: %v", err)
				return err
			}

			if output.IsJSON() {
				views := make([]orderResultView, 0, len(records))
				for _, rec := range records {
					v := orderResultJSON(rec.Account, &rec.Result)
					v.RecordedAt = rec.RecordedAt.Format(time.RFC3339)
					views = append(views, v)
				}
				return output.JSON(views)
			}

			if len(records) == 0 {
				output.Dim("No recorded orders match.")
				return nil
			}

			table := NewTable(output, "TIME", "ACCOUNT", "BROKER", "SYMBOL", "QTY", "PRICE", "RESULT")
			for _, rec := range records {
				res := output.Green(rec.Result.OrderID)
				if !rec.Result.Success {
					res = output.Red(TruncateString(rec.Result.Error, 40))
				}
				price := "-"
				if !rec.Result.Price.IsZero() {
					price = FormatPrice(rec.Result.Price)
				}
				table.AddRow(
					FormatDateTime(rec.Result.PlacedAt),
					rec.Account,
					string(rec.Result.Broker),
					rec.Result.Symbol,
					fmt.Sprintf("%d", rec.Result.Quantity),
					price,
					res,
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().Int("limit", 20, "maximum rows to show")
	cmd.Flags().String("symbol", "", "filter by symbol")
	cmd.Flags().Bool("failed", false, "show only failed orders")
	return cmd
}

// orderResultView is the wire shape of an order result for --json.
type orderResultView struct {
	Account    string `json:"account"`
	Success    bool   `json:"success"`
	OrderID    string `json:"order_id,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	Broker     string `json:"broker"`
	Symbol     string `json:"symbol"`
	Quantity   int    `json:"quantity"`
	Price      string `json:"price,omitempty"`
	PlacedAt   string `json:"placed_at,omitempty"`
	RecordedAt string `json:"recorded_at,omitempty"`
}

func orderResultJSON(account string, result *models.OrderResult) orderResultView {
	view := orderResultView{
		Account:  account,
		Success:  result.Success,
		OrderID:  result.OrderID,
		Message:  result.Message,
		Error:    result.Error,
		Broker:   string(result.Broker),
		Symbol:   result.Symbol,
		Quantity: result.Quantity,
	}
	if !result.Price.IsZero() {
		view.Price = result.Price.String()
	}
	if !result.PlacedAt.IsZero() {
		view.PlacedAt = result.PlacedAt.Format(time.RFC3339)
	}
	return view
}
