package placement

import (
	"sort"
	"time"
)

func newStats(from, to time.Time) Stats {
	return Stats{
		From:        from,
		To:          to,
		ByStatus:    map[Status]int{},
		ByFeeStatus: map[FeeStatus]int{},
	}
}

// add folds count workflows sharing status, fee status and currency into s.
func (s *Stats) add(status Status, fee FeeStatus, amount Money, count int) {
	s.Total += count
	s.ByStatus[status] += count
	s.ByFeeStatus[fee] += count

	for i := range s.FeeTotals {
		t := &s.FeeTotals[i]
		if t.FeeStatus == fee && t.Currency == amount.Currency {
			t.Minor += amount.Minor
			t.Count += count
			return
		}
	}
	s.FeeTotals = append(s.FeeTotals, FeeTotal{FeeStatus: fee, Currency: amount.Currency, Minor: amount.Minor, Count: count})
	sort.Slice(s.FeeTotals, func(i, j int) bool {
		if s.FeeTotals[i].FeeStatus != s.FeeTotals[j].FeeStatus {
			return s.FeeTotals[i].FeeStatus < s.FeeTotals[j].FeeStatus
		}
		return s.FeeTotals[i].Currency < s.FeeTotals[j].Currency
	})
}
