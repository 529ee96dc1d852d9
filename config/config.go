package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Game        GameConfig        `mapstructure:"game"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
}

type ServerConfig struct {
	HTTPAddress    string `mapstructure:"http_address"`
	MetricsAddress string `mapstructure:"metrics_address"`
	PeerRPCAddress string `mapstructure:"peer_rpc_address"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type LedgerConfig struct {
	RPCEndpoint    string        `mapstructure:"rpc_endpoint"`
	WSEndpoint     string        `mapstructure:"ws_endpoint"`
	TreasuryWallet string        `mapstructure:"treasury_wallet"`
	TokenMint      string        `mapstructure:"token_mint"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

type GameConfig struct {
	FeePercent             int           `mapstructure:"fee_percent"`
	DefaultMaxPlayers      int           `mapstructure:"default_max_players"`
	DefaultWinnerCount     int           `mapstructure:"default_winner_count"`
	PaymentDeadlineMinutes int           `mapstructure:"payment_deadline_minutes"`
	NumberRangeMin         int           `mapstructure:"number_range_min"`
	NumberRangeMax         int           `mapstructure:"number_range_max"`
	SnapshotTTL            time.Duration `mapstructure:"snapshot_ttl"`
	DuePollInterval        time.Duration `mapstructure:"due_poll_interval"`
	InterTransferDelay     time.Duration `mapstructure:"inter_transfer_delay"`
}

type NotifyConfig struct {
	QueueLimit       int           `mapstructure:"queue_limit"`
	MinInterval      time.Duration `mapstructure:"min_interval"`
	CriticalInterval time.Duration `mapstructure:"critical_interval"`
	BundleWindow     time.Duration `mapstructure:"bundle_window"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	DrainPerTick     int           `mapstructure:"drain_per_tick"`
}

type CoordinatorConfig struct {
	InstanceID         string        `mapstructure:"instance_id"`
	Role               string        `mapstructure:"role"` // primary|secondary
	PeerAddress        string        `mapstructure:"peer_address"`
	ProbeInterval      time.Duration `mapstructure:"probe_interval"`
	ProbeFailThreshold int           `mapstructure:"probe_fail_threshold"`
	RestartDelay       time.Duration `mapstructure:"restart_delay"`
	LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
	LeaseRenewInterval time.Duration `mapstructure:"lease_renew_interval"`
	BreakerThreshold   int           `mapstructure:"breaker_threshold"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
}

func LoadConfig(path string) (config *Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()

	setDefaults()

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	err = config.validate()
	return
}

func setDefaults() {
	viper.SetDefault("server.http_address", ":8080")
	viper.SetDefault("server.metrics_address", ":9100")
	viper.SetDefault("game.fee_percent", 10)
	viper.SetDefault("game.default_max_players", 10)
	viper.SetDefault("game.default_winner_count", 1)
	viper.SetDefault("game.payment_deadline_minutes", 15)
	viper.SetDefault("game.number_range_min", 1)
	viper.SetDefault("game.number_range_max", 100)
	viper.SetDefault("game.snapshot_ttl", 24*time.Hour)
	viper.SetDefault("game.due_poll_interval", time.Second)
	viper.SetDefault("game.inter_transfer_delay", 500*time.Millisecond)
	viper.SetDefault("notify.queue_limit", 1000)
	viper.SetDefault("notify.min_interval", time.Second)
	viper.SetDefault("notify.critical_interval", 250*time.Millisecond)
	viper.SetDefault("notify.bundle_window", 3*time.Second)
	viper.SetDefault("notify.tick_interval", 500*time.Millisecond)
	viper.SetDefault("notify.max_attempts", 3)
	viper.SetDefault("notify.drain_per_tick", 5)
	viper.SetDefault("ledger.request_timeout", 10*time.Second)
	viper.SetDefault("ledger.max_retries", 3)
	viper.SetDefault("coordinator.role", "primary")
	viper.SetDefault("coordinator.probe_interval", 15*time.Second)
	viper.SetDefault("coordinator.probe_fail_threshold", 2)
	viper.SetDefault("coordinator.restart_delay", 30*time.Second)
	viper.SetDefault("coordinator.lease_ttl", 30*time.Second)
	viper.SetDefault("coordinator.lease_renew_interval", 10*time.Second)
	viper.SetDefault("coordinator.breaker_threshold", 5)
	viper.SetDefault("coordinator.breaker_cooldown", 30*time.Second)
}

// validate rejects configurations the process cannot run with. Missing
// collaborators stop the instance at startup instead of degrading silently.
func (c *Config) validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Ledger.RPCEndpoint == "" {
		return fmt.Errorf("ledger.rpc_endpoint is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Game.FeePercent < 0 || c.Game.FeePercent > 100 {
		return fmt.Errorf("game.fee_percent must be between 0 and 100")
	}
	if c.Coordinator.InstanceID == "" {
		return fmt.Errorf("coordinator.instance_id is required")
	}
	return nil
}
