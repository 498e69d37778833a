package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// IsTradingDay reports whether t falls on a weekday. Exchange holidays
// are not modelled; brokers reject orders on those days anyway.
func IsTradingDay(t time.Time) bool {
	wd := t.In(IndiaLocation).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsMarketOpenAt reports whether the equity market is in its regular
// session (09:15-15:30 IST) at t.
func IsMarketOpenAt(t time.Time) bool {
	ist := t.In(IndiaLocation)
	if !IsTradingDay(ist) {
		return false
	}
	minutes := ist.Hour()*60 + ist.Minute()
	return minutes >= 555 && minutes < 930
}

// IsMarketOpen reports whether the equity market is open now.
func IsMarketOpen() bool {
	return IsMarketOpenAt(time.Now())
}

// NextMarketOpen returns the first regular session open at or after t.
func NextMarketOpen(t time.Time) time.Time {
	ist := t.In(IndiaLocation)
	next := time.Date(ist.Year(), ist.Month(), ist.Day(), 9, 15, 0, 0, IndiaLocation)
	if ist.After(next) {
		next = next.AddDate(0, 0, 1)
	}
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// MarketCloseOn returns the regular session close (15:30 IST) for the
// day containing t.
func MarketCloseOn(t time.Time) time.Time {
	ist := t.In(IndiaLocation)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), 15, 30, 0, 0, IndiaLocation)
}
