package models

import (
	"gorm.io/gorm"
)

// GormGame 归档的游戏记录
type GormGame struct {
	gorm.Model
	GameID       string `gorm:"uniqueIndex;not null"`
	ChatID       int64  `gorm:"index;not null"`
	Kind         string `gorm:"not null"`
	Status       string `gorm:"not null"`
	EntryFee     int64
	PrizePool    int64
	WinnerCount  int
	Participants map[string]interface{} `gorm:"type:jsonb"`
	Winners      map[string]interface{} `gorm:"type:jsonb"`
	Seed         string
	CancelReason string
	StartedAt    int64
	EndedAt      int64
}

// GormPaymentRecord 支付记录
type GormPaymentRecord struct {
	gorm.Model
	Reference string `gorm:"uniqueIndex;not null"`
	UserID    string `gorm:"index;not null"`
	GameID    string `gorm:"index;not null"`
	Amount    int64
	Token     string
	Status    string `gorm:"not null"`
	TxHash    string
	ExpiresAt int64
}

// GormDistributionResult 奖金分配结果
type GormDistributionResult struct {
	gorm.Model
	GameID    string `gorm:"uniqueIndex;not null"`
	Success   bool
	SystemFee int64
	PerWinner int64
	Transfers map[string]interface{} `gorm:"type:jsonb"`
	Failed    map[string]interface{} `gorm:"type:jsonb"`
}

// GormRetryEntry 运维重试队列：失败的转账/退款，人工或后台再处理
type GormRetryEntry struct {
	gorm.Model
	GameID   string `gorm:"index;not null"`
	UserID   string `gorm:"not null"`
	Amount   int64
	Kind     string `gorm:"not null"` // payout|refund
	LastErr  string
	Resolved bool `gorm:"default:false"`
}
