package model

import "time"

// UsageLog is one immutable audit row per served request.
type UsageLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	KeyID     uint      `gorm:"index;not null" json:"keyId"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
	Endpoint  string    `gorm:"type:varchar(255)" json:"endpoint,omitempty"`
	Status    int       `json:"status,omitempty"`
	ClientIP  string    `gorm:"type:varchar(64);index;not null" json:"clientIp"`
}

func (UsageLog) TableName() string {
	return "api_usage_log"
}

// HourlyUsage is a pre-aggregated request count for one key within one
// calendar hour. Exactly one row exists per (key, date, hour) tuple.
type HourlyUsage struct {
	ID    uint   `gorm:"primarykey" json:"id"`
	KeyID uint   `gorm:"uniqueIndex:idx_key_date_hour;not null" json:"keyId"`
	Date  string `gorm:"type:varchar(10);uniqueIndex:idx_key_date_hour;not null" json:"date"`
	Hour  int    `gorm:"uniqueIndex:idx_key_date_hour;not null" json:"hour"`
	Count int    `gorm:"default:0;not null" json:"count"`
}

func (HourlyUsage) TableName() string {
	return "hourly_api_usage"
}
