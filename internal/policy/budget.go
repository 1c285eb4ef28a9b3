package policy

import (
	"sync"
	"time"
)

// Usage is a point-in-time view of the action and cost budgets.
type Usage struct {
	ActionsThisHour    int       `json:"actions_this_hour" yaml:"actions_this_hour"`
	MaxActionsPerHour  int       `json:"max_actions_per_hour" yaml:"max_actions_per_hour"`
	CostCentsToday     int       `json:"cost_cents_today" yaml:"cost_cents_today"`
	MaxCostPerDayCents int       `json:"max_cost_per_day_cents" yaml:"max_cost_per_day_cents"`
	HourResetsAt       time.Time `json:"hour_resets_at" yaml:"hour_resets_at"`
	DayResetsAt        time.Time `json:"day_resets_at" yaml:"day_resets_at"`
}

// budget tracks fixed UTC windows: the hour counter resets when the clock
// enters a new UTC hour, the cost counter when it enters a new UTC day.
type budget struct {
	maxActions int
	maxCost    int

	mu        sync.Mutex
	hourStart time.Time
	actions   int
	dayStart  time.Time
	cost      int
}

func (b *budget) roll(now time.Time) {
	now = now.UTC()
	hour := now.Truncate(time.Hour)
	if !hour.Equal(b.hourStart) {
		b.hourStart = hour
		b.actions = 0
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !day.Equal(b.dayStart) {
		b.dayStart = day
		b.cost = 0
	}
}

// reserve charges one action and costCents, or charges nothing and returns the
// rule that would have been exceeded.
func (b *budget) reserve(now time.Time, costCents int) (Rule, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.roll(now)
	b.actions++
	if b.actions > b.maxActions {
		b.actions--
		return RuleHourlyBudget, false
	}
	if costCents > b.maxCost-b.cost {
		b.actions--
		return RuleDailyBudget, false
	}
	b.cost += costCents
	return "", true
}

func (b *budget) usage(now time.Time) Usage {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.roll(now)
	return Usage{
		ActionsThisHour:    b.actions,
		MaxActionsPerHour:  b.maxActions,
		CostCentsToday:     b.cost,
		MaxCostPerDayCents: b.maxCost,
		HourResetsAt:       b.hourStart.Add(time.Hour),
		DayResetsAt:        b.dayStart.AddDate(0, 0, 1),
	}
}
