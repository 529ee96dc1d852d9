// persistence/interface.go
package persistence

import (
	"fmt"

	"github.com/mworlabs/lotteryd/models"
)

// Archive 归档层接口：终态的游戏和支付记录写入 Postgres，只读报表从这里出
type Archive interface {
	ArchiveGame(game *models.Game) error
	SavePaymentRecord(rec *models.PaymentRecord) error
	SaveDistributionResult(result *models.PrizeDistributionResult) error
	SaveRetryEntry(gameID, userID string, amount int64, kind, lastErr string) error
	ReportGames(limit int) ([]GameReportRow, error)
	Close() error
}

// GameReportRow 对外报表的只读行（供仪表盘消费）
type GameReportRow struct {
	GameID      string `json:"game_id"`
	Status      string `json:"status"`
	EntryFee    int64  `json:"entry_fee"`
	PrizePool   int64  `json:"prize_pool"`
	WinnerCount int    `json:"winner_count"`
	StartedAt   int64  `json:"started_at"`
	EndedAt     int64  `json:"ended_at"`
}

// 错误定义
var (
	ErrRecordNotFound = fmt.Errorf("record not found")
)
