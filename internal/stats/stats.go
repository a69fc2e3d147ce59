// Package stats produces dashboard rollups over the audit log and key
// table. Everything here is read-only.
package stats

import (
	"fmt"
	"math"
	"time"

	"anidex/internal/db"
)

// DefaultWindowDays is the reporting window applied when a caller does
// not request another one.
const DefaultWindowDays = 30

// SuspiciousRequestThreshold and SuspiciousKeyThreshold flag IPs that are
// hammering the API or rotating through credentials.
const (
	SuspiciousRequestThreshold = 5000
	SuspiciousKeyThreshold     = 3
)

// IPStat is one client IP's aggregate with the abuse flag applied.
type IPStat struct {
	Address       string `json:"address"`
	TotalRequests int64  `json:"totalRequests"`
	LastRequest   string `json:"lastRequest"`
	KeyCount      int64  `json:"keyCount"`
	Suspicious    bool   `json:"suspicious"`
}

// Dashboard is the summary block for the admin overview.
type Dashboard struct {
	TotalRequests int64           `json:"totalRequests"`
	ActiveKeys    int64           `json:"activeKeys"`
	AverageUsage  float64         `json:"averageUsage"`
	HighUsageKeys int64           `json:"highUsageKeys"`
	TimeSeries    []db.DailyCount `json:"timeSeries"`
}

// KeyUsage is the per-key drill-down.
type KeyUsage struct {
	DailyCounts []db.DailyCount  `json:"dailyCounts"`
	IPBreakdown map[string]int64 `json:"ipBreakdown"`
}

// Reporter answers aggregate queries against the database service.
type Reporter struct {
	db  db.Service
	now func() time.Time
}

func NewReporter(dbService db.Service) *Reporter {
	return &Reporter{db: dbService, now: time.Now}
}

// TotalRequests counts audit log rows within the window.
func (r *Reporter) TotalRequests(windowDays int) (int64, error) {
	return r.db.CountUsageSince(r.windowStart(windowDays))
}

// ActiveKeys counts distinct keys seen in the window.
func (r *Reporter) ActiveKeys(windowDays int) (int64, error) {
	return r.db.CountActiveKeysSince(r.windowStart(windowDays))
}

// AverageUsagePercent is the mean quota consumption across all keys with
// a non-zero monthly limit, rounded to one decimal.
func (r *Reporter) AverageUsagePercent() (float64, error) {
	avg, err := r.db.AverageUsagePercent()
	if err != nil {
		return 0, err
	}
	return math.Round(avg*10) / 10, nil
}

// HighUsageKeys counts keys at or above the usage-percentage threshold.
func (r *Reporter) HighUsageKeys(threshold float64) (int64, error) {
	return r.db.CountHighUsageKeys(threshold)
}

// DailyTimeSeries returns exactly windowDays entries in ascending date
// order. Days without traffic are filled with zero counts so charts never
// skip dates.
func (r *Reporter) DailyTimeSeries(windowDays int) ([]db.DailyCount, error) {
	counts, err := r.db.DailyUsageCounts(r.windowStart(windowDays))
	if err != nil {
		return nil, err
	}
	return denseFill(counts, r.now(), windowDays), nil
}

// TopIPs lists the busiest client IPs with the suspicious flag set for
// high volume or multi-key use.
func (r *Reporter) TopIPs(limit int) ([]IPStat, error) {
	raw, err := r.db.TopIPs(limit)
	if err != nil {
		return nil, err
	}
	stats := make([]IPStat, len(raw))
	for i, ip := range raw {
		stats[i] = IPStat{
			Address:       ip.Address,
			TotalRequests: ip.TotalRequests,
			LastRequest:   ip.LastRequest,
			KeyCount:      ip.KeyCount,
			Suspicious:    ip.TotalRequests > SuspiciousRequestThreshold || ip.KeyCount > SuspiciousKeyThreshold,
		}
	}
	return stats, nil
}

// PerKeyUsage returns a key's daily counts for the window plus its
// all-time IP breakdown.
func (r *Reporter) PerKeyUsage(keyID uint, windowDays int) (*KeyUsage, error) {
	daily, err := r.db.KeyDailyUsage(keyID, r.windowStart(windowDays))
	if err != nil {
		return nil, err
	}
	ips, err := r.db.KeyIPBreakdown(keyID)
	if err != nil {
		return nil, err
	}
	breakdown := make(map[string]int64, len(ips))
	for _, ip := range ips {
		breakdown[ip.ClientIP] = ip.Count
	}
	return &KeyUsage{DailyCounts: daily, IPBreakdown: breakdown}, nil
}

// Overview assembles the dashboard summary in one call.
func (r *Reporter) Overview(windowDays int) (*Dashboard, error) {
	total, err := r.TotalRequests(windowDays)
	if err != nil {
		return nil, fmt.Errorf("total requests: %w", err)
	}
	active, err := r.ActiveKeys(windowDays)
	if err != nil {
		return nil, fmt.Errorf("active keys: %w", err)
	}
	avg, err := r.AverageUsagePercent()
	if err != nil {
		return nil, fmt.Errorf("average usage: %w", err)
	}
	high, err := r.HighUsageKeys(80)
	if err != nil {
		return nil, fmt.Errorf("high usage keys: %w", err)
	}
	series, err := r.DailyTimeSeries(windowDays)
	if err != nil {
		return nil, fmt.Errorf("time series: %w", err)
	}
	return &Dashboard{
		TotalRequests: total,
		ActiveKeys:    active,
		AverageUsage:  avg,
		HighUsageKeys: high,
		TimeSeries:    series,
	}, nil
}

// windowStart is midnight of the oldest day denseFill emits, so the
// counting queries and the time series cover exactly the same rows.
func (r *Reporter) windowStart(windowDays int) time.Time {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	first := r.now().AddDate(0, 0, -(windowDays - 1))
	return time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, first.Location())
}

// denseFill expands sparse per-day counts to one entry per calendar day,
// oldest first, ending on today.
func denseFill(counts []db.DailyCount, now time.Time, windowDays int) []db.DailyCount {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	byDate := make(map[string]int64, len(counts))
	for _, c := range counts {
		byDate[c.Date] = c.Count
	}
	filled := make([]db.DailyCount, 0, windowDays)
	for i := windowDays - 1; i >= 0; i-- {
		date := now.AddDate(0, 0, -i).Format("2006-01-02")
		filled = append(filled, db.DailyCount{Date: date, Count: byDate[date]})
	}
	return filled
}
