package db

import (
	"path/filepath"
	"testing"
	"time"

	"anidex/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// setupTestDB creates a file-backed SQLite database in a temp dir and
// returns the Service and the raw *gorm.DB.
func setupTestDB(t *testing.T) (Service, *gorm.DB) {
	t.Helper()
	service, err := NewService(Config{
		Type: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create test db service: %v", err)
	}
	return service, service.GetDB()
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func TestNewService(t *testing.T) {
	service, err := NewService(Config{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")})
	assert.NoError(t, err)
	assert.NotNil(t, service)

	_, err = NewService(Config{Type: "unsupported"})
	assert.Error(t, err)
}

func TestFindAPIKeyByKey(t *testing.T) {
	service, gdb := setupTestDB(t)
	gdb.Create(&model.APIKey{Key: "known-key", Name: "test"})

	key, err := service.FindAPIKeyByKey("known-key")
	assert.NoError(t, err)
	assert.Equal(t, "test", key.Name)

	_, err = service.FindAPIKeyByKey("unknown-key")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRecordUsageIncrements(t *testing.T) {
	service, gdb := setupTestDB(t)
	now := time.Now()
	key := model.APIKey{Key: "k1", CurrentMonthUsage: 5, LastResetDate: now}
	gdb.Create(&key)

	entry := model.UsageLog{KeyID: key.ID, Timestamp: now, ClientIP: "1.2.3.4"}
	err := service.RecordUsage(key.ID, entry, firstOfMonth(now))
	require.NoError(t, err)

	var updated model.APIKey
	gdb.First(&updated, key.ID)
	assert.Equal(t, 6, updated.CurrentMonthUsage)

	var logs []model.UsageLog
	gdb.Find(&logs)
	require.Len(t, logs, 1)
	assert.Equal(t, "1.2.3.4", logs[0].ClientIP)
	assert.Equal(t, key.ID, logs[0].KeyID)
}

func TestRecordUsageMonthRollover(t *testing.T) {
	service, gdb := setupTestDB(t)
	now := time.Now()
	lastMonth := now.AddDate(0, -1, 0)
	key := model.APIKey{Key: "k1", CurrentMonthUsage: 900, LastResetDate: lastMonth}
	gdb.Create(&key)

	// First request of the new month resets the counter to 1.
	entry := model.UsageLog{KeyID: key.ID, Timestamp: now, ClientIP: "1.2.3.4"}
	err := service.RecordUsage(key.ID, entry, firstOfMonth(now))
	require.NoError(t, err)

	var updated model.APIKey
	gdb.First(&updated, key.ID)
	assert.Equal(t, 1, updated.CurrentMonthUsage)
	assert.WithinDuration(t, now, updated.LastResetDate, time.Second)

	// The next request increments normally.
	err = service.RecordUsage(key.ID, entry, firstOfMonth(now))
	require.NoError(t, err)
	gdb.First(&updated, key.ID)
	assert.Equal(t, 2, updated.CurrentMonthUsage)
}

func TestRecordUsageNoGaps(t *testing.T) {
	service, gdb := setupTestDB(t)
	now := time.Now()
	key := model.APIKey{Key: "k1", LastResetDate: now}
	gdb.Create(&key)

	for i := 0; i < 50; i++ {
		entry := model.UsageLog{KeyID: key.ID, Timestamp: now, ClientIP: "1.2.3.4"}
		require.NoError(t, service.RecordUsage(key.ID, entry, firstOfMonth(now)))
	}

	var updated model.APIKey
	gdb.First(&updated, key.ID)
	assert.Equal(t, 50, updated.CurrentMonthUsage)

	var logCount int64
	gdb.Model(&model.UsageLog{}).Count(&logCount)
	assert.Equal(t, int64(50), logCount)
}

func TestRecordUsageHourlyBucketCoalesces(t *testing.T) {
	service, gdb := setupTestDB(t)
	now := time.Now()
	key := model.APIKey{Key: "k1", LastResetDate: now}
	gdb.Create(&key)

	for i := 0; i < 7; i++ {
		entry := model.UsageLog{KeyID: key.ID, Timestamp: now, ClientIP: "1.2.3.4"}
		require.NoError(t, service.RecordUsage(key.ID, entry, firstOfMonth(now)))
	}

	var buckets []model.HourlyUsage
	gdb.Find(&buckets)
	require.Len(t, buckets, 1)
	assert.Equal(t, 7, buckets[0].Count)
	assert.Equal(t, now.Format("2006-01-02"), buckets[0].Date)
	assert.Equal(t, now.Hour(), buckets[0].Hour)
}

func TestRecordUsageUnknownKey(t *testing.T) {
	service, _ := setupTestDB(t)
	now := time.Now()
	entry := model.UsageLog{KeyID: 999, Timestamp: now, ClientIP: "1.2.3.4"}
	err := service.RecordUsage(999, entry, firstOfMonth(now))
	assert.Error(t, err)
}

func TestUpdateAPIKeyBlacklist(t *testing.T) {
	service, gdb := setupTestDB(t)
	key := model.APIKey{Key: "k1"}
	gdb.Create(&key)

	err := service.UpdateAPIKeyBlacklist(key.ID, []string{"5.5.5.5", "6.6.6.6"})
	require.NoError(t, err)

	updated, err := service.GetAPIKey(key.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"5.5.5.5", "6.6.6.6"}, updated.BlacklistedIPs)

	assert.ErrorIs(t, service.UpdateAPIKeyBlacklist(999, nil), ErrKeyNotFound)
}

func TestCountQueries(t *testing.T) {
	service, gdb := setupTestDB(t)
	now := time.Now()
	gdb.Create(&model.APIKey{Key: "k1"})
	gdb.Create(&model.APIKey{Key: "k2"})

	gdb.Create(&model.UsageLog{KeyID: 1, Timestamp: now, ClientIP: "1.1.1.1"})
	gdb.Create(&model.UsageLog{KeyID: 1, Timestamp: now.Add(-time.Hour), ClientIP: "1.1.1.1"})
	gdb.Create(&model.UsageLog{KeyID: 2, Timestamp: now, ClientIP: "2.2.2.2"})
	// Outside the window, should not be counted.
	gdb.Create(&model.UsageLog{KeyID: 2, Timestamp: now.AddDate(0, 0, -40), ClientIP: "2.2.2.2"})

	since := now.AddDate(0, 0, -30)

	total, err := service.CountUsageSince(since)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	active, err := service.CountActiveKeysSince(since)
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)
}

func TestAverageUsagePercent(t *testing.T) {
	service, gdb := setupTestDB(t)
	gdb.Create(&model.APIKey{Key: "k1", MonthlyLimit: 1000, CurrentMonthUsage: 850})
	gdb.Create(&model.APIKey{Key: "k2", MonthlyLimit: 100, CurrentMonthUsage: 15})
	// Zero limit must be excluded, not divide by zero.
	gdb.Create(&model.APIKey{Key: "k3", MonthlyLimit: 0, CurrentMonthUsage: 500})

	avg, err := service.AverageUsagePercent()
	require.NoError(t, err)
	assert.InDelta(t, 50.0, avg, 0.01)
}

func TestCountHighUsageKeys(t *testing.T) {
	service, gdb := setupTestDB(t)
	gdb.Create(&model.APIKey{Key: "k1", MonthlyLimit: 1000, CurrentMonthUsage: 850})
	gdb.Create(&model.APIKey{Key: "k2", MonthlyLimit: 1000, CurrentMonthUsage: 100})
	gdb.Create(&model.APIKey{Key: "k3", MonthlyLimit: 0, CurrentMonthUsage: 999})

	count, err := service.CountHighUsageKeys(80)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestTopIPs(t *testing.T) {
	service, gdb := setupTestDB(t)
	now := time.Now()
	for i := 0; i < 3; i++ {
		gdb.Create(&model.UsageLog{KeyID: 1, Timestamp: now, ClientIP: "9.9.9.9"})
	}
	gdb.Create(&model.UsageLog{KeyID: 2, Timestamp: now, ClientIP: "9.9.9.9"})
	gdb.Create(&model.UsageLog{KeyID: 1, Timestamp: now, ClientIP: "8.8.8.8"})

	stats, err := service.TopIPs(20)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "9.9.9.9", stats[0].Address)
	assert.Equal(t, int64(4), stats[0].TotalRequests)
	assert.Equal(t, int64(2), stats[0].KeyCount)
	assert.Equal(t, "8.8.8.8", stats[1].Address)
}

func TestKeyIPBreakdown(t *testing.T) {
	service, gdb := setupTestDB(t)
	now := time.Now()
	gdb.Create(&model.UsageLog{KeyID: 1, Timestamp: now, ClientIP: "1.1.1.1"})
	gdb.Create(&model.UsageLog{KeyID: 1, Timestamp: now, ClientIP: "1.1.1.1"})
	gdb.Create(&model.UsageLog{KeyID: 1, Timestamp: now, ClientIP: "2.2.2.2"})
	gdb.Create(&model.UsageLog{KeyID: 2, Timestamp: now, ClientIP: "3.3.3.3"})

	counts, err := service.KeyIPBreakdown(1)
	require.NoError(t, err)
	require.Len(t, counts, 2)

	byIP := make(map[string]int64)
	for _, c := range counts {
		byIP[c.ClientIP] = c.Count
	}
	assert.Equal(t, int64(2), byIP["1.1.1.1"])
	assert.Equal(t, int64(1), byIP["2.2.2.2"])
}
