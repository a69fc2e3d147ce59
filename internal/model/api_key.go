package model

import (
	"time"

	"gorm.io/gorm"
)

// APIKey represents a client credential with its entitlement metadata.
// CurrentMonthUsage and LastResetDate are only ever written by the
// accounting pipeline; everything else is managed through the admin API.
type APIKey struct {
	gorm.Model
	Key               string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"key"`
	Name              string    `gorm:"type:varchar(255)" json:"name"`
	Whitelisted       bool      `gorm:"default:false;not null" json:"whitelisted"`
	DiscordID         *string   `gorm:"type:varchar(64);uniqueIndex" json:"discordId,omitempty"`
	MonthlyLimit      int       `gorm:"default:1000;not null" json:"monthlyLimit"`
	CurrentMonthUsage int       `gorm:"default:0;not null" json:"currentMonthUsage"`
	LastResetDate     time.Time `json:"lastResetDate"`
	RateLimit         int       `gorm:"default:0" json:"rateLimit"`
	BlacklistedIPs    []string  `gorm:"column:blacklisted_ips;serializer:json" json:"blacklistedIPs"`
	AllowedEndpoints  []string  `gorm:"serializer:json" json:"allowedEndpoints"`
}

func (APIKey) TableName() string {
	return "api_keys"
}

// BeforeCreate defaults LastResetDate to the creation time so a fresh key
// never looks like it predates the current month.
func (k *APIKey) BeforeCreate(tx *gorm.DB) error {
	if k.LastResetDate.IsZero() {
		k.LastResetDate = time.Now()
	}
	return nil
}

// UsagePercentage reports how much of the monthly quota is consumed,
// rounded to one decimal and capped at 100. Keys without a limit report 0.
func (k *APIKey) UsagePercentage() float64 {
	if k.MonthlyLimit <= 0 {
		return 0
	}
	pct := float64(k.CurrentMonthUsage) / float64(k.MonthlyLimit) * 100
	pct = float64(int(pct*10+0.5)) / 10
	if pct > 100 {
		return 100
	}
	return pct
}

// IPBlacklisted reports whether the given client IP is blocked for this key.
func (k *APIKey) IPBlacklisted(ip string) bool {
	for _, blocked := range k.BlacklistedIPs {
		if blocked == ip {
			return true
		}
	}
	return false
}

// EndpointAllowed reports whether the leading path segment is permitted.
// An empty AllowedEndpoints list means every endpoint is allowed.
func (k *APIKey) EndpointAllowed(endpoint string) bool {
	if len(k.AllowedEndpoints) == 0 {
		return true
	}
	for _, allowed := range k.AllowedEndpoints {
		if allowed == endpoint {
			return true
		}
	}
	return false
}
