package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# mCube Trading Platform Configuration

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
# Broker used when a request does not name one: kite, motilal, paper
default_broker = "paper"
# Default product type: MIS, CNC, NRML
default_product = "MIS"
# Default exchange: NSE, BSE, NFO, CDS, MCX
default_exchange = "NSE"
# Per-call timeout for broker API requests
order_timeout = "15s"
# How often positions and margins are refreshed
sync_interval = "30s"

# Broker accounts managed by the platform. Add one block per account.
[[accounts]]
id = "primary"
broker = "paper"
enabled = true

[risk]
# Reject orders above this quantity (0 disables the check)
max_quantity_per_order = 10000
# Reject orders whose value exceeds this amount in INR (0 disables)
max_order_value = 1000000.0
# Daily loss limit in INR
daily_loss_limit = 5000.0

[database]
# Persist order results and snapshots to SQLite
enabled = true
# path defaults to <config dir>/mcube.db when empty
path = ""

[logging]
# Log level: debug, info, warn, error
level = "info"
console = true
file = true
# path defaults to <config dir>/logs/mcube.log when empty
path = ""

[security]
# Enable read-only mode (blocks all order placement)
read_only_mode = false
# Session timeout duration (e.g., "8h", "30m")
session_timeout = "8h"
# Encrypt credentials at rest
encrypt_credentials = true
# Enable audit logging for all trading actions
audit_enabled = true
# Enable strict input validation
strict_validation = true

[ui]
# Enable colored output
color_enabled = true
# Date format
date_format = "02-Jan-2006"
# Time format
time_format = "15:04:05"
`

const credentialsTemplate = `# mCube Trading Platform Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[kite]
api_key = ""
api_secret = ""
user_id = ""
# password and totp_secret enable scripted auto-login
password = ""
totp_secret = ""

[motilal]
api_key = ""
user_id = ""
password = ""
# Static second factor (date of birth as DD/MM/YYYY)
two_fa = ""
totp_secret = ""
# vendor_info is the user id again for individual API subscriptions
vendor_info = ""
client_code = ""
`

// writeTemplate drops a starter file into the config directory and returns
// an error telling the operator where to find it. The caller treats a
// missing file as fatal either way; the template just makes the fix easy.
func writeTemplate(configDir, file, body string, perm os.FileMode) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	path := filepath.Join(configDir, file)
	if err := os.WriteFile(path, []byte(body), perm); err != nil {
		return fmt.Errorf("writing %s template: %w", file, err)
	}
	return fmt.Errorf("%s not found, created template at %s", file, path)
}

func createTemplateConfig(configDir, name string) error {
	return writeTemplate(configDir, name+".toml", configTemplate, 0644)
}

func createTemplateCredentials(configDir string) error {
	// Credentials start life readable by the owner only.
	return writeTemplate(configDir, "credentials.toml", credentialsTemplate, 0600)
}
