// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/challengebot/internal/model"
)

// DefaultPath はコマンドライン引数で指定されなかった場合の設定ファイルパス。
const DefaultPath = "config.yaml"

// データベース種別
const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	Matrix    MatrixConfig    `yaml:"matrix"`
	Database  DatabaseConfig  `yaml:"database"`
	Feed      FeedConfig      `yaml:"feed"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Prune     PruneConfig     `yaml:"prune"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// MatrixConfig はチャットサーバー接続の設定。
type MatrixConfig struct {
	HomeserverURL  string        `yaml:"homeserver_url"`
	UserID         string        `yaml:"user_id"`
	Password       string        `yaml:"password"`
	DeviceID       string        `yaml:"device_id"`
	DeviceName     string        `yaml:"device_name"`
	CommandPrefix  string        `yaml:"command_prefix"`
	JoinAttempts   int           `yaml:"join_attempts"`
	JoinRetryDelay time.Duration `yaml:"join_retry_delay"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	SyncTimeout    time.Duration `yaml:"sync_timeout"`
	SendRate       float64       `yaml:"send_rate"` // 送信レート（msg/sec）
	SendBurst      int           `yaml:"send_burst"`
}

// DatabaseConfig は配信ストアの設定。
// Typeは "sqlite" または "postgres"。
// ConnectionStringはsqliteの場合はファイルパス、postgresの場合は接続URL。
type DatabaseConfig struct {
	Type             string `yaml:"type"`
	ConnectionString string `yaml:"connection_string"`
}

// FeedConfig はお題フィードの設定。
type FeedConfig struct {
	URL          string        `yaml:"url"`
	TitlePattern string        `yaml:"title_pattern"` // 空の場合は全記事をお題として扱う
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	MaxSize      int64         `yaml:"max_size"`
}

// DeliveryConfig はお題配信の設定。
type DeliveryConfig struct {
	Interval      time.Duration `yaml:"interval"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Heading       string        `yaml:"heading"`
	Greeting      string        `yaml:"greeting"`
	HelpText      string        `yaml:"help_text"`
}

// SchedulerConfig はティック実行の設定。
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	StartDelay   time.Duration `yaml:"start_delay"`
}

// PruneConfig は退出済みルーム整理ジョブの設定。
type PruneConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ServerConfig は運用用HTTPサーバー（/health, /metrics）の設定。
type ServerConfig struct {
	Port string `yaml:"port"`
}

// LogConfig はログ出力の設定。
type LogConfig struct {
	Level string `yaml:"level"`
}

// 既定の挨拶文
const defaultGreeting = `Hello! I'm a bot that posts weekly art challenges.

In a moment, I'll post the first one. Then, a week later I'll post another one.
I'll keep doing this until I run out of challenges. As more are published, I'll continue to post them here!

Have fun, and happy drawing!`

// 既定のヘルプ本文
const defaultHelpText = "I post weekly drawing challenges from the configured challenge feed!"

// Load は指定パスのYAMLファイルから設定を読み込み、環境変数で上書きする。
// 必須項目が未設定の場合はConfigErrorを返す。
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &model.ConfigError{Msg: fmt.Sprintf("config file not found: %s", path)}
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse はYAMLデータをConfigにデコードし、未設定項目に既定値を適用する。
// 未知のキーはエラーとする。
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &model.ConfigError{Msg: fmt.Sprintf("invalid YAML: %v", err)}
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	m := &cfg.Matrix
	if m.DeviceName == "" {
		m.DeviceName = "challengebot"
	}
	if m.CommandPrefix == "" {
		m.CommandPrefix = "!c"
	}
	if m.JoinAttempts <= 0 {
		m.JoinAttempts = 3
	}
	if m.JoinRetryDelay == 0 {
		m.JoinRetryDelay = time.Second
	}
	if m.ReconnectDelay == 0 {
		m.ReconnectDelay = 15 * time.Second
	}
	if m.SyncTimeout == 0 {
		m.SyncTimeout = 30 * time.Second
	}
	if m.SendRate <= 0 {
		m.SendRate = 1
	}
	if m.SendBurst <= 0 {
		m.SendBurst = 5
	}

	if cfg.Database.Type == "" {
		cfg.Database.Type = DatabaseSQLite
	}
	if cfg.Database.ConnectionString == "" && cfg.Database.Type == DatabaseSQLite {
		cfg.Database.ConnectionString = "challengebot.db"
	}

	if cfg.Feed.FetchTimeout == 0 {
		cfg.Feed.FetchTimeout = 10 * time.Second
	}
	if cfg.Feed.MaxSize <= 0 {
		cfg.Feed.MaxSize = 5242880
	}

	d := &cfg.Delivery
	if d.Interval == 0 {
		d.Interval = 7 * 24 * time.Hour
	}
	if d.SendTimeout == 0 {
		d.SendTimeout = 30 * time.Second
	}
	if d.MaxConcurrent <= 0 {
		d.MaxConcurrent = 4
	}
	if d.Heading == "" {
		d.Heading = "New Art Challenge!"
	}
	if d.Greeting == "" {
		d.Greeting = defaultGreeting
	}
	if d.HelpText == "" {
		d.HelpText = defaultHelpText
	}

	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = 60 * time.Second
	}
	if cfg.Scheduler.StartDelay == 0 {
		cfg.Scheduler.StartDelay = 2 * time.Second
	}
	if cfg.Prune.Interval == 0 {
		cfg.Prune.Interval = time.Hour
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// applyEnv は環境変数による上書きを適用する。
// シークレットや環境ごとに異なる値をファイルに書かずに済むようにする。
func applyEnv(cfg *Config) {
	cfg.Matrix.HomeserverURL = getEnvString("CHALLENGEBOT_HOMESERVER_URL", cfg.Matrix.HomeserverURL)
	cfg.Matrix.UserID = getEnvString("CHALLENGEBOT_USER_ID", cfg.Matrix.UserID)
	cfg.Matrix.Password = getEnvString("CHALLENGEBOT_PASSWORD", cfg.Matrix.Password)
	cfg.Database.Type = getEnvString("CHALLENGEBOT_DATABASE_TYPE", cfg.Database.Type)
	cfg.Database.ConnectionString = getEnvString("CHALLENGEBOT_DATABASE_URL", cfg.Database.ConnectionString)
	cfg.Feed.URL = getEnvString("CHALLENGEBOT_FEED_URL", cfg.Feed.URL)
	cfg.Delivery.Interval = getEnvDuration("CHALLENGEBOT_DELIVERY_INTERVAL", cfg.Delivery.Interval)
	cfg.Delivery.MaxConcurrent = getEnvInt("CHALLENGEBOT_DELIVERY_MAX_CONCURRENT", cfg.Delivery.MaxConcurrent)
	cfg.Scheduler.TickInterval = getEnvDuration("CHALLENGEBOT_TICK_INTERVAL", cfg.Scheduler.TickInterval)
	cfg.Server.Port = getEnvString("CHALLENGEBOT_SERVER_PORT", cfg.Server.Port)
	cfg.Log.Level = getEnvString("CHALLENGEBOT_LOG_LEVEL", cfg.Log.Level)
}

// Validate は必須項目と値の整合性を検証する。
func (c *Config) Validate() error {
	var missing []string
	if c.Matrix.HomeserverURL == "" {
		missing = append(missing, "matrix.homeserver_url")
	}
	if c.Matrix.UserID == "" {
		missing = append(missing, "matrix.user_id")
	}
	if c.Matrix.Password == "" {
		missing = append(missing, "matrix.password")
	}
	if c.Feed.URL == "" {
		missing = append(missing, "feed.url")
	}
	if c.Database.ConnectionString == "" {
		missing = append(missing, "database.connection_string")
	}
	if len(missing) > 0 {
		return &model.ConfigError{Msg: fmt.Sprintf("required settings are not set: %v", missing)}
	}

	switch c.Database.Type {
	case DatabaseSQLite, DatabasePostgres:
	default:
		return &model.ConfigError{Msg: fmt.Sprintf("database.type must be %q or %q, got %q",
			DatabaseSQLite, DatabasePostgres, c.Database.Type)}
	}

	if c.Feed.TitlePattern != "" {
		if _, err := regexp.Compile(c.Feed.TitlePattern); err != nil {
			return &model.ConfigError{Msg: fmt.Sprintf("feed.title_pattern is not a valid regexp: %v", err)}
		}
	}

	// 0はデフォルト値に置き換わるため、ここに残るのは負の値か環境変数で0にした値
	positive := []struct {
		key string
		val time.Duration
	}{
		{"delivery.interval", c.Delivery.Interval},
		{"delivery.send_timeout", c.Delivery.SendTimeout},
		{"scheduler.tick_interval", c.Scheduler.TickInterval},
		{"prune.interval", c.Prune.Interval},
		{"feed.fetch_timeout", c.Feed.FetchTimeout},
		{"matrix.sync_timeout", c.Matrix.SyncTimeout},
		{"matrix.reconnect_delay", c.Matrix.ReconnectDelay},
	}
	for _, d := range positive {
		if d.val <= 0 {
			return &model.ConfigError{Msg: fmt.Sprintf("%s must be positive, got %v", d.key, d.val)}
		}
	}
	if c.Scheduler.StartDelay < 0 {
		return &model.ConfigError{Msg: fmt.Sprintf("scheduler.start_delay must not be negative, got %v", c.Scheduler.StartDelay)}
	}
	if c.Matrix.JoinRetryDelay < 0 {
		return &model.ConfigError{Msg: fmt.Sprintf("matrix.join_retry_delay must not be negative, got %v", c.Matrix.JoinRetryDelay)}
	}

	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
