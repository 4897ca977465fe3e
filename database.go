package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
)

// --- Phase 1: Configuration & Environment ---

type Config struct {
	Token             string
	AppID             snowflake.ID
	GuildID           string
	InstallRoleID     snowflake.ID
	AnnounceChannelID snowflake.ID
	AuditChannelID    snowflake.ID
	ErrorChannelID    snowflake.ID
	HelpChannelID     snowflake.ID
	DatabasePath      string
	StatsPath         string
	Silent            bool
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
// All Discord identifiers are mandatory; the process refuses to start without them.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, GetProjectName()+".db")
	}

	statsPath := os.Getenv("STATS_PATH")
	if statsPath == "" {
		statsPath = "stats.json"
	}

	silent, _ := strconv.ParseBool(os.Getenv("SILENT"))

	cfg := &Config{
		Token:        os.Getenv("DISCORD_TOKEN"),
		GuildID:      os.Getenv("GUILD_ID"),
		DatabasePath: fmt.Sprintf("%s?_journal_mode=WAL&_timeout=5000", dbPath),
		StatsPath:    statsPath,
		Silent:       silent,
	}

	ids := []struct {
		env    string
		target *snowflake.ID
	}{
		{"DISCORD_APP_ID", &cfg.AppID},
		{"INSTALL_ROLE_ID", &cfg.InstallRoleID},
		{"ANNOUNCE_CHANNEL_ID", &cfg.AnnounceChannelID},
		{"AUDIT_CHANNEL_ID", &cfg.AuditChannelID},
		{"ERROR_CHANNEL_ID", &cfg.ErrorChannelID},
		{"HELP_CHANNEL_ID", &cfg.HelpChannelID},
	}
	for _, entry := range ids {
		raw := os.Getenv(entry.env)
		if raw == "" {
			return nil, fmt.Errorf(MsgConfigMissingVar, entry.env)
		}
		id, err := snowflake.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: must be a valid Snowflake", entry.env)
		}
		*entry.target = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingVar, "DISCORD_TOKEN")
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf("invalid GUILD_ID: must be a valid Snowflake")
	}
	return nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "installbot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}

// --- Phase 2: Database Connection & Lifecycle ---

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	if _, err := DB.ExecContext(initCtx, `CREATE TABLE IF NOT EXISTS bot_config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf(MsgDatabaseTableError, err)
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// --- Phase 3: Bot Persistence ---

// BotConfig helpers are used by the loader for command-sync state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}
