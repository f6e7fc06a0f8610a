package killswitch

import "time"

// PlatformSetting is a key/value row for platform-wide flags. The global AI
// kill switch lives under the "ai_enabled" key.
type PlatformSetting struct {
	Key       string    `gorm:"primaryKey;type:text"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PlatformSetting) TableName() string { return "platform_settings" }

const globalAIEnabledKey = "ai_enabled"
