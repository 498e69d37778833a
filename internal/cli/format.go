package cli

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Anupamvm/mCube-ai-sub004/pkg/utils"
)

// Display layouts for Indian market timestamps. All times render in IST
// regardless of the machine's local zone.
const (
	timeLayout     = "15:04:05"
	dateLayout     = "02-Jan-2006"
	dateTimeLayout = "02-Jan-2006 15:04:05"
)

// FormatPrice renders a price with two decimal places. Instruments quoting
// under ten rupees keep four, so paise-level option ticks stay visible.
func FormatPrice(price decimal.Decimal) string {
	if !price.IsZero() && price.Abs().LessThan(decimal.NewFromInt(10)) {
		return price.StringFixed(4)
	}
	return price.StringFixed(2)
}

// FormatTime renders the time of day in IST.
func FormatTime(t time.Time) string {
	return t.In(utils.IndiaLocation).Format(timeLayout)
}

// FormatDate renders the date in IST.
func FormatDate(t time.Time) string {
	return t.In(utils.IndiaLocation).Format(dateLayout)
}

// FormatDateTime renders date and time in IST.
func FormatDateTime(t time.Time) string {
	return t.In(utils.IndiaLocation).Format(dateTimeLayout)
}

// FormatDuration renders a duration with its two most significant units,
// like "2m 30s" or "2d 2h". Negative durations render as "0s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	mins := secs / 60
	hours := mins / 60
	switch {
	case hours >= 24:
		return fmt.Sprintf("%dd %dh", hours/24, hours%24)
	case hours >= 1:
		return fmt.Sprintf("%dh %dm", hours, mins%60)
	case mins >= 1:
		return fmt.Sprintf("%dm %ds", mins, secs%60)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// TruncateString cuts s to maxLen, marking the cut with an ellipsis when
// there is room for one.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// PadRight space-pads s on the right to the given width.
func PadRight(s string, width int) string {
	return fmt.Sprintf("%-*s", width, s)
}

// PadLeft space-pads s on the left to the given width.
func PadLeft(s string, width int) string {
	return fmt.Sprintf("%*s", width, s)
}
