package cli

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Anupamvm/mCube-ai-sub004/internal/broker"
	"github.com/Anupamvm/mCube-ai-sub004/pkg/utils"
)

// addAuthCommands adds session management commands.
func addAuthCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newLoginCmd(app))
	rootCmd.AddCommand(newLogoutCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
}

func newLoginCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate the selected broker account",
		Long: `Authenticate the selected broker account.

Kite logs in through the scripted TOTP flow when password and
totp_secret are configured in credentials.toml, reusing a cached access
token when one is still alive. Motilal logs in with password plus TOTP
or the configured 2FA answer. The paper broker always succeeds.`,
		Example: `  mcube login
  mcube login --account ACC2
  mcube login --account ACC1 --broker kite`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			key, err := resolveAccount(app, cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			err = app.Registry.Do(ctx, key, func(a broker.Adapter) error {
				if a.IsAuthenticated() {
					return nil
				}
				return a.Login(ctx)
			})
			if app.Audit != nil {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				app.Audit.LogLogin(ctx, string(key.Broker), key.AccountID, err == nil, msg)
			}
			if err != nil {
				output.Error("Login failed for %s: %v", key, err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(sessionView(ctx, app, key))
			}
			output.Success("✓ Logged in as %s", key)
			return showSession(ctx, app, output, key)
		},
	}
}

func newLogoutCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log the selected account out and discard its adapter",
		Long: `Invalidate the account's broker session and discard the adapter.

For Kite this also invalidates the access token upstream and removes
the cached token file. You will need to login again to trade.`,
		Example: `  mcube logout
  mcube logout --account ACC2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			key, err := resolveAccount(app, cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := app.Registry.Remove(ctx, key); err != nil {
				output.Error("Logout failed for %s: %v", key, err)
				return err
			}
			if app.Audit != nil {
				app.Audit.LogLogout(ctx, string(key.Broker), key.AccountID)
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"account": key.String(),
					"success": true,
				})
			}
			output.Success("✓ Logged out %s", key)
			return nil
		},
	}
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session state for every configured account",
		Example: `  mcube status
  mcube status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			keys := accountKeys(app)

			if output.IsJSON() {
				views := make([]sessionJSON, 0, len(keys))
				for _, key := range keys {
					views = append(views, sessionView(ctx, app, key))
				}
				return output.JSON(views)
			}

			table := NewTable(output, "ACCOUNT", "BROKER", "SESSION", "USER", "EXPIRES")
			for _, key := range keys {
				v := sessionView(ctx, app, key)
				expires := "-"
				if !v.expiresAt.IsZero() {
					expires = FormatDateTime(v.expiresAt)
					if remaining := time.Until(v.expiresAt); remaining > 0 {
						expires += " (" + FormatDuration(remaining) + ")"
					}
				}
				user := v.UserID
				if user == "" {
					user = "-"
				}
				table.AddRow(key.AccountID, string(key.Broker), output.SessionBadge(v.State), user, expires)
			}
			table.Render()
			output.Println()

			now := time.Now()
			if utils.IsMarketOpenAt(now) {
				output.Printf("Market: %s, closes %s IST\n",
					output.Green("OPEN"), utils.MarketCloseOn(now).Format("15:04"))
			} else {
				output.Printf("Market: %s, next open %s IST\n",
					output.Red("CLOSED"), utils.NextMarketOpen(now).Format("Mon 02 Jan 15:04"))
			}

			output.Println()
			output.Dim("Run 'mcube login --account <id>' to authenticate an account.")
			return nil
		},
	}
}

// sessionJSON is the wire shape of a session for --json output. The
// token itself never appears here.
type sessionJSON struct {
	Account      string `json:"account"`
	Broker       string `json:"broker"`
	State        string `json:"state"`
	UserID       string `json:"user_id,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	RefreshCount int    `json:"refresh_count"`

	expiresAt time.Time
}

func sessionView(ctx context.Context, app *App, key broker.AccountKey) sessionJSON {
	view := sessionJSON{
		Account: key.AccountID,
		Broker:  string(key.Broker),
		State:   string(broker.StateUnauthenticated),
	}
	err := app.Registry.Do(ctx, key, func(a broker.Adapter) error {
		s := a.Session()
		view.State = string(s.State())
		view.UserID = s.UserID()
		view.RefreshCount = s.RefreshCount()
		if exp := s.ExpiresAt(); !exp.IsZero() {
			view.expiresAt = exp
			view.ExpiresAt = exp.Format(time.RFC3339)
		}
		return nil
	})
	if err != nil {
		view.State = "UNAVAILABLE"
	}
	return view
}

func showSession(ctx context.Context, app *App, output *Output, key broker.AccountKey) error {
	v := sessionView(ctx, app, key)
	lines := []string{
		"State:    " + output.SessionBadge(v.State),
		"User:     " + v.UserID,
	}
	if !v.expiresAt.IsZero() {
		lines = append(lines, "Expires:  "+FormatDateTime(v.expiresAt)+" ("+FormatDuration(time.Until(v.expiresAt))+" remaining)")
	}
	if v.RefreshCount > 0 {
		lines = append(lines, "Refreshes: "+strconv.Itoa(v.RefreshCount))
	}
	output.Box("Session "+key.String(), lines)
	return nil
}
