// Package tariff holds the pure per-minute pricing rules.
package tariff

import (
	"github.com/shopspring/decimal"

	"github.com/Proton-105/fuel-control/internal/domain"
)

// Tier boundaries in accumulated same-mode minutes per day.
const (
	GameOverdriveAfter  = 60
	VideoFreeMinutes    = 20
	VideoOverdriveAfter = 60
)

var (
	rateZero = decimal.Zero
	rateOne  = decimal.NewFromInt(1)
	rateHalf = decimal.New(5, -1) // 0.5
	rateTwo  = decimal.NewFromInt(2)
)

// RateForMinute returns the credits charged for the next minute of the given
// mode, based on the minutes already accumulated today in that mode. The tier
// boundary is crossed strictly: the minute that moves a pilot from 59 to 60
// is still billed at the pre-boundary rate.
//
// Game overdrive applies at >= 60 minutes regardless of weekday; the weekday
// flag is accepted so callers keep one signature across modes, but games
// ignore it.
func RateForMinute(mode domain.Mode, priorMinutesTodayInMode int64, isWeekday bool) decimal.Decimal {
	switch {
	case mode == domain.ModeGame:
		if priorMinutesTodayInMode >= GameOverdriveAfter {
			return rateTwo
		}
		return rateOne
	case mode.IsVideo():
		switch {
		case priorMinutesTodayInMode < VideoFreeMinutes:
			return rateZero
		case priorMinutesTodayInMode < VideoOverdriveAfter:
			return rateHalf
		default:
			return rateTwo
		}
	default:
		return rateZero
	}
}

// SessionCost sums RateForMinute over a whole session of the given length,
// walking the accumulated counter minute by minute. Used by tests and by the
// catalog preview widgets; the burn engine does its own incremental walk.
func SessionCost(mode domain.Mode, priorMinutes, sessionMinutes int64, isWeekday bool) decimal.Decimal {
	total := decimal.Zero
	for m := int64(0); m < sessionMinutes; m++ {
		total = total.Add(RateForMinute(mode, priorMinutes+m, isWeekday))
	}
	return total
}
