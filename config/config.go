package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/yeremiapane/replisync/utils"
)

const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// NodeConfig describes one replica node.
type NodeConfig struct {
	Name    string `validate:"required"`
	Dialect string `validate:"oneof=mysql sqlite"`
	DSN     string `validate:"required"`
}

type SyncConfig struct {
	Enabled           bool
	Interval          time.Duration `validate:"gt=0"`
	InitialDelay      time.Duration `validate:"gte=0"`
	BatchSize         int           `validate:"min=1,max=1000"`
	MaxRetries        int           `validate:"min=1"`
	SoftDeadline      time.Duration `validate:"gte=0"`
	TargetConcurrency int           `validate:"min=1"`
	RetryBackoff      time.Duration `validate:"gte=0"`
	RetryBackoffMax   time.Duration `validate:"gte=0"`
	SchemaFile        string
	DefaultPassword   string `validate:"required"`
	InstallTriggers   bool
}

type PrimaryConfig struct {
	Default      string
	StateFile    string        `validate:"required"`
	HistoryLimit int           `validate:"min=1"`
	CacheTTL     time.Duration `validate:"gte=0"`
}

type SMTPConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	From       string
	Recipients []string
}

type Config struct {
	Nodes          []NodeConfig `validate:"required,min=2,dive"`
	ConnectTimeout time.Duration `validate:"gt=0"`
	MaxOpenConns   int           `validate:"min=1"`
	Sync           SyncConfig
	Primary        PrimaryConfig
	SMTP           SMTPConfig
	JWTSecret      string
	CORSOrigins    []string
	Port           string `validate:"required"`
	GinMode        string
	LogLevel       string
}

// NodeNames returns the configured node names in declaration order.
func (c *Config) NodeNames() []string {
	names := make([]string, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		names = append(names, n.Name)
	}
	return names
}

// Load reads the environment (and .env when present) into a validated Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		utils.InfoLogger.Printf("Warning: .env file not found or error loading: %v", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds the configuration from a lookup function so tests can inject values.
func FromEnv(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}

	cfg := &Config{
		ConnectTimeout: e.duration("DB_CONNECT_TIMEOUT", 10*time.Second),
		MaxOpenConns:   e.int("DB_MAX_OPEN_CONNS", 10),
		Sync: SyncConfig{
			Enabled:           e.bool("SYNC_ENABLED", true),
			Interval:          e.duration("SYNC_INTERVAL", time.Minute),
			InitialDelay:      e.duration("SYNC_INITIAL_DELAY", 5*time.Second),
			BatchSize:         e.int("SYNC_BATCH_SIZE", 100),
			MaxRetries:        e.int("SYNC_RETRY_COUNT", 3),
			SoftDeadline:      e.duration("SYNC_SOFT_DEADLINE", 45*time.Second),
			TargetConcurrency: e.int("SYNC_TARGET_CONCURRENCY", 2),
			RetryBackoff:      e.duration("SYNC_RETRY_BACKOFF", 30*time.Second),
			RetryBackoffMax:   e.duration("SYNC_RETRY_BACKOFF_MAX", 10*time.Minute),
			SchemaFile:        e.str("SYNC_SCHEMA_FILE", ""),
			DefaultPassword:   e.str("SYNC_DEFAULT_PASSWORD", "password"),
			InstallTriggers:   e.bool("INSTALL_TRIGGERS", false),
		},
		Primary: PrimaryConfig{
			Default:      e.str("PRIMARY_DEFAULT", ""),
			StateFile:    e.str("PRIMARY_STATE_FILE", "config/primary-node.json"),
			HistoryLimit: e.int("PRIMARY_HISTORY_LIMIT", 50),
			CacheTTL:     e.duration("PRIMARY_CACHE_TTL", 5*time.Minute),
		},
		SMTP: SMTPConfig{
			Host:       e.str("SMTP_HOST", ""),
			Port:       e.int("SMTP_PORT", 587),
			User:       e.str("SMTP_USER", ""),
			Password:   e.str("SMTP_PASSWORD", ""),
			From:       e.str("SMTP_FROM", ""),
			Recipients: splitList(e.str("NOTIFY_RECIPIENTS", "")),
		},
		JWTSecret:   e.str("JWT_SECRET", ""),
		CORSOrigins: splitList(e.str("CORS_ORIGINS", "")),
		Port:        e.str("PORT", "8080"),
		GinMode:     e.str("GIN_MODE", "debug"),
		LogLevel:    e.str("LOG_LEVEL", "info"),
	}

	for _, name := range splitList(e.str("SYNC_NODES", "mysql,mariadb,greatsql")) {
		node, err := nodeFromEnv(e, name, cfg.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		cfg.Nodes = append(cfg.Nodes, node)
	}

	if cfg.Primary.Default == "" && len(cfg.Nodes) > 0 {
		cfg.Primary.Default = cfg.Nodes[0].Name
	}

	if e.err != nil {
		return nil, e.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints plus cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if seen[n.Name] {
			return fmt.Errorf("invalid configuration: duplicate node %q", n.Name)
		}
		seen[n.Name] = true
	}
	if !seen[c.Primary.Default] {
		return fmt.Errorf("invalid configuration: PRIMARY_DEFAULT %q is not a configured node", c.Primary.Default)
	}
	return nil
}

func nodeFromEnv(e env, name string, timeout time.Duration) (NodeConfig, error) {
	prefix := "NODE_" + strings.ToUpper(name) + "_"
	node := NodeConfig{
		Name:    name,
		Dialect: e.str(prefix+"DIALECT", DialectMySQL),
		DSN:     e.str(prefix+"DSN", ""),
	}
	if node.DSN != "" {
		return node, nil
	}
	if node.Dialect == DialectSQLite {
		node.DSN = fmt.Sprintf("file:%s.db?cache=shared", name)
		return node, nil
	}

	host := e.str(prefix+"HOST", "localhost")
	port := e.str(prefix+"PORT", "3306")
	dsn := mysqldrv.NewConfig()
	dsn.User = e.str(prefix+"USER", "root")
	dsn.Passwd = e.str(prefix+"PASSWORD", "")
	dsn.Net = "tcp"
	dsn.Addr = host + ":" + port
	dsn.DBName = e.str(prefix+"DATABASE", "library_management")
	dsn.ParseTime = true
	dsn.Timeout = timeout
	dsn.Params = map[string]string{"charset": "utf8mb4"}
	node.DSN = dsn.FormatDSN()
	return node, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// env wraps a lookup function and remembers the first parse error.
type env struct {
	get func(string) string
	err error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := e.get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *env) bool(key string, def bool) bool {
	v := e.get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		e.fail(key, err)
		return def
	}
	return b
}

// duration accepts Go durations ("90s") or bare milliseconds ("60000").
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}

func (e *env) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid value for %s: %w", key, err)
	}
}
