// persistence/gorm_postgresql.go
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL 驱动（报表用原生 SQL 路径）
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mworlabs/lotteryd/models"
)

// GormPostgreSQL 使用GORM的PostgreSQL归档实现
type GormPostgreSQL struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// NewGormPostgreSQL 创建GORM PostgreSQL数据库连接
func NewGormPostgreSQL(host string, port int, user, password, dbname string) (*GormPostgreSQL, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	// 配置GORM日志
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold: time.Second,
			LogLevel:      logger.Silent,
			Colorful:      false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 设置连接池
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// 自动迁移表结构
	if err := autoMigrate(db); err != nil {
		return nil, err
	}

	return &GormPostgreSQL{db: db, sqlDB: sqlDB}, nil
}

// autoMigrate 自动迁移表结构
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.GormGame{},
		&models.GormPaymentRecord{},
		&models.GormDistributionResult{},
		&models.GormRetryEntry{},
	)
}

// ArchiveGame 归档终态游戏。重复归档同一局按更新处理
func (p *GormPostgreSQL) ArchiveGame(game *models.Game) error {
	participants := make(map[string]interface{}, len(game.Participants))
	for _, part := range game.Participants {
		raw, err := json.Marshal(part)
		if err != nil {
			return fmt.Errorf("marshal participant: %w", err)
		}
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		participants[part.UserID] = m
	}

	winners := make(map[string]interface{}, len(game.Winners))
	for i, w := range game.Winners {
		winners[fmt.Sprintf("%d", i)] = w
	}

	row := models.GormGame{
		GameID:       game.ID,
		ChatID:       game.ChatID,
		Kind:         string(game.Kind),
		Status:       string(game.Status),
		EntryFee:     game.EntryFee,
		PrizePool:    game.PrizePool,
		WinnerCount:  game.WinnerCount,
		Participants: participants,
		Winners:      winners,
		Seed:         game.Seed,
		CancelReason: game.CancelReason,
		StartedAt:    game.StartAt.Unix(),
		EndedAt:      game.CompletedAt.Unix(),
	}

	var existing models.GormGame
	result := p.db.Where("game_id = ?", game.ID).First(&existing)
	if result.Error == gorm.ErrRecordNotFound {
		return p.db.Create(&row).Error
	} else if result.Error != nil {
		return result.Error
	}

	row.ID = existing.ID
	row.CreatedAt = existing.CreatedAt
	return p.db.Save(&row).Error
}

// SavePaymentRecord 保存/更新支付记录
func (p *GormPostgreSQL) SavePaymentRecord(rec *models.PaymentRecord) error {
	row := models.GormPaymentRecord{
		Reference: rec.Reference,
		UserID:    rec.UserID,
		GameID:    rec.GameID,
		Amount:    rec.Amount,
		Token:     rec.Token,
		Status:    string(rec.Status),
		TxHash:    rec.TxHash,
		ExpiresAt: rec.ExpiresAt.Unix(),
	}

	var existing models.GormPaymentRecord
	result := p.db.Where("reference = ?", rec.Reference).First(&existing)
	if result.Error == gorm.ErrRecordNotFound {
		return p.db.Create(&row).Error
	} else if result.Error != nil {
		return result.Error
	}

	row.ID = existing.ID
	row.CreatedAt = existing.CreatedAt
	return p.db.Save(&row).Error
}

// SaveDistributionResult 保存奖金分配结果（每局只写一次）
func (p *GormPostgreSQL) SaveDistributionResult(result *models.PrizeDistributionResult) error {
	transfers := make(map[string]interface{}, len(result.Transfers))
	for _, t := range result.Transfers {
		transfers[t.UserID] = map[string]interface{}{"amount": t.Amount, "tx_hash": t.TxHash}
	}
	failed := make(map[string]interface{}, len(result.FailedTransfers))
	for _, f := range result.FailedTransfers {
		failed[f.UserID] = map[string]interface{}{"amount": f.Amount, "error": f.Error}
	}

	row := models.GormDistributionResult{
		GameID:    result.GameID,
		Success:   result.Success,
		SystemFee: result.SystemFee,
		PerWinner: result.PerWinner,
		Transfers: transfers,
		Failed:    failed,
	}
	return p.db.Create(&row).Error
}

// SaveRetryEntry 失败转账/退款进运维重试队列
func (p *GormPostgreSQL) SaveRetryEntry(gameID, userID string, amount int64, kind, lastErr string) error {
	row := models.GormRetryEntry{
		GameID:  gameID,
		UserID:  userID,
		Amount:  amount,
		Kind:    kind,
		LastErr: lastErr,
	}
	return p.db.Create(&row).Error
}

// ReportGames 报表读路径：原生SQL查询最近归档的游戏
func (p *GormPostgreSQL) ReportGames(limit int) ([]GameReportRow, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.sqlDB.Query(
		`
        SELECT game_id, status, entry_fee, prize_pool, winner_count, started_at, ended_at
        FROM gorm_games
        ORDER BY ended_at DESC
        LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var report []GameReportRow
	for rows.Next() {
		var r GameReportRow
		if err := rows.Scan(&r.GameID, &r.Status, &r.EntryFee, &r.PrizePool,
			&r.WinnerCount, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, err
		}
		report = append(report, r)
	}
	return report, rows.Err()
}

// Close 关闭数据库连接
func (p *GormPostgreSQL) Close() error {
	return p.sqlDB.Close()
}
