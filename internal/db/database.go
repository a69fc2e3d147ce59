package db

import (
	"errors"
	"fmt"
	"time"

	"anidex/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrKeyNotFound is returned when no API key matches the lookup.
var ErrKeyNotFound = errors.New("api key not found")

// DailyCount is one day's request total.
type DailyCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// IPCount is the request total for one client IP.
type IPCount struct {
	ClientIP string `json:"ip"`
	Count    int64  `json:"count"`
}

// IPStat is the aggregate view of one client IP across the audit log.
// LastRequest stays a string because MAX(timestamp) comes back as text
// from expression columns.
type IPStat struct {
	Address       string `json:"address"`
	TotalRequests int64  `json:"totalRequests"`
	LastRequest   string `json:"lastRequest"`
	KeyCount      int64  `json:"keyCount"`
}

// Service defines the database operations used by the gateway.
// This allows for mocking in tests and decouples the handlers from gorm.
type Service interface {
	// Credential store
	FindAPIKeyByKey(key string) (*model.APIKey, error)
	FindAPIKeyByDiscordID(discordID string) (*model.APIKey, error)
	GetAPIKey(id uint) (*model.APIKey, error)
	ListAPIKeys() ([]model.APIKey, error)
	CreateAPIKey(key *model.APIKey) error
	DeleteAPIKey(id uint) error
	UpdateAPIKeyBlacklist(id uint, ips []string) error

	// Usage accounting
	RecordUsage(keyID uint, entry model.UsageLog, firstOfMonth time.Time) error

	// Aggregation queries
	CountUsageSince(since time.Time) (int64, error)
	CountActiveKeysSince(since time.Time) (int64, error)
	AverageUsagePercent() (float64, error)
	CountHighUsageKeys(threshold float64) (int64, error)
	DailyUsageCounts(since time.Time) ([]DailyCount, error)
	TopIPs(limit int) ([]IPStat, error)
	KeyDailyUsage(keyID uint, since time.Time) ([]DailyCount, error)
	KeyIPBreakdown(keyID uint) ([]IPCount, error)

	GetDB() *gorm.DB
}

type service struct {
	db *gorm.DB
}

// NewService opens the database described by cfg and migrates the schema.
func NewService(cfg Config) (Service, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := gdb.AutoMigrate(&model.APIKey{}, &model.UsageLog{}, &model.HourlyUsage{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return &service{db: gdb}, nil
}

// Config mirrors the database section of the gateway configuration.
type Config struct {
	Type string
	DSN  string
}

func (s *service) GetDB() *gorm.DB {
	return s.db
}

func (s *service) FindAPIKeyByKey(key string) (*model.APIKey, error) {
	var apiKey model.APIKey
	result := s.db.Where("key = ?", key).First(&apiKey)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to look up api key: %w", result.Error)
	}
	return &apiKey, nil
}

func (s *service) FindAPIKeyByDiscordID(discordID string) (*model.APIKey, error) {
	var apiKey model.APIKey
	result := s.db.Where("discord_id = ?", discordID).First(&apiKey)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to look up api key by discord id: %w", result.Error)
	}
	return &apiKey, nil
}

func (s *service) GetAPIKey(id uint) (*model.APIKey, error) {
	var apiKey model.APIKey
	result := s.db.First(&apiKey, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key %d: %w", id, result.Error)
	}
	return &apiKey, nil
}

func (s *service) ListAPIKeys() ([]model.APIKey, error) {
	var keys []model.APIKey
	if result := s.db.Find(&keys); result.Error != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", result.Error)
	}
	return keys, nil
}

func (s *service) CreateAPIKey(key *model.APIKey) error {
	if result := s.db.Create(key); result.Error != nil {
		return fmt.Errorf("failed to create api key: %w", result.Error)
	}
	return nil
}

func (s *service) DeleteAPIKey(id uint) error {
	result := s.db.Delete(&model.APIKey{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete api key %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *service) UpdateAPIKeyBlacklist(id uint, ips []string) error {
	result := s.db.Model(&model.APIKey{}).Where("id = ?", id).Update("blacklisted_ips", ips)
	if result.Error != nil {
		return fmt.Errorf("failed to update blacklisted ips for key %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// RecordUsage applies one request's accounting as a single transaction:
// the monthly counter update (with lazy month rollover), the audit log
// append, and the hourly bucket upsert. The counter updates are expressed
// as conditional UPDATEs so concurrent requests for the same key never
// lose increments.
func (s *service) RecordUsage(keyID uint, entry model.UsageLog, firstOfMonth time.Time) error {
	date := entry.Timestamp.Format("2006-01-02")
	hour := entry.Timestamp.Hour()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		// Month rollover: only one concurrent request can win this UPDATE,
		// every other one falls through to the plain increment below.
		rollover := tx.Model(&model.APIKey{}).
			Where("id = ? AND last_reset_date < ?", keyID, firstOfMonth).
			Updates(map[string]interface{}{
				"current_month_usage": 1,
				"last_reset_date":     entry.Timestamp,
			})
		if rollover.Error != nil {
			return rollover.Error
		}
		if rollover.RowsAffected == 0 {
			inc := tx.Model(&model.APIKey{}).
				Where("id = ?", keyID).
				UpdateColumn("current_month_usage", gorm.Expr("current_month_usage + 1"))
			if inc.Error != nil {
				return inc.Error
			}
			if inc.RowsAffected == 0 {
				return ErrKeyNotFound
			}
		}

		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		bucket := model.HourlyUsage{KeyID: keyID, Date: date, Hour: hour, Count: 1}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "key_id"}, {Name: "date"}, {Name: "hour"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"count": gorm.Expr("count + 1"),
			}),
		}).Create(&bucket).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record usage for key %d: %w", keyID, err)
	}
	return nil
}

func (s *service) CountUsageSince(since time.Time) (int64, error) {
	var count int64
	result := s.db.Model(&model.UsageLog{}).Where("timestamp >= ?", since).Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count usage log rows: %w", result.Error)
	}
	return count, nil
}

func (s *service) CountActiveKeysSince(since time.Time) (int64, error) {
	var count int64
	result := s.db.Model(&model.UsageLog{}).
		Where("timestamp >= ?", since).
		Distinct("key_id").
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count active keys: %w", result.Error)
	}
	return count, nil
}

// AverageUsagePercent averages usage percentage over all keys with a
// non-zero monthly limit. NULLIF turns a zero limit into NULL, which AVG
// then skips, so those keys never divide by zero or skew the mean.
func (s *service) AverageUsagePercent() (float64, error) {
	var avg *float64
	result := s.db.Model(&model.APIKey{}).
		Select("AVG(current_month_usage * 100.0 / NULLIF(monthly_limit, 0))").
		Scan(&avg)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to compute average usage: %w", result.Error)
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}

func (s *service) CountHighUsageKeys(threshold float64) (int64, error) {
	var count int64
	result := s.db.Model(&model.APIKey{}).
		Where("monthly_limit > 0 AND current_month_usage * 100.0 / monthly_limit >= ?", threshold).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count high usage keys: %w", result.Error)
	}
	return count, nil
}

func (s *service) DailyUsageCounts(since time.Time) ([]DailyCount, error) {
	var counts []DailyCount
	result := s.db.Model(&model.UsageLog{}).
		Select("DATE(timestamp) AS date, COUNT(*) AS count").
		Where("timestamp >= ?", since).
		Group("DATE(timestamp)").
		Order("DATE(timestamp)").
		Scan(&counts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query daily usage: %w", result.Error)
	}
	return counts, nil
}

func (s *service) TopIPs(limit int) ([]IPStat, error) {
	var stats []IPStat
	result := s.db.Model(&model.UsageLog{}).
		Select("client_ip AS address, COUNT(*) AS total_requests, MAX(timestamp) AS last_request, COUNT(DISTINCT key_id) AS key_count").
		Group("client_ip").
		Order("COUNT(*) DESC").
		Limit(limit).
		Scan(&stats)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query ip stats: %w", result.Error)
	}
	return stats, nil
}

func (s *service) KeyDailyUsage(keyID uint, since time.Time) ([]DailyCount, error) {
	var counts []DailyCount
	result := s.db.Model(&model.UsageLog{}).
		Select("DATE(timestamp) AS date, COUNT(*) AS count").
		Where("key_id = ? AND timestamp >= ?", keyID, since).
		Group("DATE(timestamp)").
		Order("DATE(timestamp)").
		Scan(&counts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query daily usage for key %d: %w", keyID, result.Error)
	}
	return counts, nil
}

func (s *service) KeyIPBreakdown(keyID uint) ([]IPCount, error) {
	var counts []IPCount
	result := s.db.Model(&model.UsageLog{}).
		Select("client_ip, COUNT(*) AS count").
		Where("key_id = ?", keyID).
		Group("client_ip").
		Scan(&counts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query ip breakdown for key %d: %w", keyID, result.Error)
	}
	return counts, nil
}
