package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	CopyPerLine = "per-line"
	CopyStream  = "stream"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config is built once at startup and handed by value to every stage.
type Config struct {
	Source   Source   `yaml:"source"`
	Files    Files    `yaml:"files"`
	Database Database `yaml:"database"`
	Load     Load     `yaml:"load"`
	Merge    Merge    `yaml:"merge"`
	Logging  Logging  `yaml:"logging"`
	Metrics  Metrics  `yaml:"metrics"`
}

type Source struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	Parts       int           `yaml:"parts"`       // ranged parts, 1 = single stream
	Compression string        `yaml:"compression"` // bzip2|gzip|zstd|lz4|none|auto
	Encoding    string        `yaml:"encoding"`    // empty = bytes as-is
	SkipHeader  bool          `yaml:"skip_header"`
	SkipFetch   bool          `yaml:"skip_fetch"`
}

type Files struct {
	Download     string `yaml:"download"`
	Decompressed string `yaml:"decompressed"`
}

type Database struct {
	Driver         string        `yaml:"driver"`
	DSN            string        `yaml:"dsn"` // overrides the discrete fields below
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Name           string        `yaml:"name"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	SSLMode        string        `yaml:"sslmode"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SocketTimeout  time.Duration `yaml:"socket_timeout"`
}

type Load struct {
	Mode         string `yaml:"mode"`
	StagingTable string `yaml:"staging_table"`
}

type Merge struct {
	SQLFile string `yaml:"sql_file"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Metrics struct {
	Pushgateway string `yaml:"pushgateway"`
	Job         string `yaml:"job"`
}

// Default returns the configuration used when a key is missing from the file.
func Default() Config {
	return Config{
		Source: Source{
			Timeout:     500 * time.Second,
			Parts:       1,
			Compression: "bzip2",
		},
		Files: Files{
			Download:     "data/download.csv.bz2",
			Decompressed: "data/download.csv",
		},
		Database: Database{
			Driver:         DriverPostgres,
			Host:           "127.0.0.1",
			Port:           5432,
			SSLMode:        "disable",
			ConnectTimeout: 2 * time.Second,
			SocketTimeout:  90 * time.Second,
		},
		Load: Load{
			Mode:         CopyPerLine,
			StagingTable: "tank",
		},
		Merge: Merge{
			SQLFile: "sql/merge.pgsql",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Metrics: Metrics{
			Job: "expired_passports",
		},
	}
}

// envRef matches ${VAR}. Bare $VAR is left alone so values such as
// passwords may contain a literal '$'.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadConfig reads the YAML file at path. ${VAR} references are expanded
// from the environment before parsing so secrets can stay out of the file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default. It does not validate, so command
// line overrides can be applied first; call Validate afterwards.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	expanded := envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		return []byte(os.Getenv(string(ref[2 : len(ref)-1])))
	})
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !c.Source.SkipFetch {
		if c.Source.URL == "" {
			return fmt.Errorf("source.url is required")
		}
		u, err := url.Parse(c.Source.URL)
		if err != nil {
			return fmt.Errorf("source.url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("source.url: unsupported scheme %q", u.Scheme)
		}
	}
	if c.Source.Timeout <= 0 {
		return fmt.Errorf("source.timeout must be positive")
	}
	if c.Source.Parts < 1 {
		return fmt.Errorf("source.parts must be at least 1")
	}
	if c.Files.Download == "" || c.Files.Decompressed == "" {
		return fmt.Errorf("files.download and files.decompressed are required")
	}
	if c.Files.Download == c.Files.Decompressed {
		return fmt.Errorf("files.download and files.decompressed must differ")
	}
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" && c.Database.Name == "" {
			return fmt.Errorf("database.name or database.dsn is required")
		}
	case DriverSQLite:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for %s", DriverSQLite)
		}
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	switch c.Load.Mode {
	case CopyPerLine, CopyStream:
	default:
		return fmt.Errorf("load.mode: want %q or %q, got %q", CopyPerLine, CopyStream, c.Load.Mode)
	}
	if !isIdentifier(c.Load.StagingTable) {
		return fmt.Errorf("load.staging_table: %q is not a plain identifier", c.Load.StagingTable)
	}
	if c.Merge.SQLFile == "" {
		return fmt.Errorf("merge.sql_file is required")
	}
	return nil
}

// PostgresDSN returns a keyword/value connection string for pgx.
func (d Database) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	parts := []string{
		fmt.Sprintf("host=%s", d.Host),
		fmt.Sprintf("port=%d", d.Port),
		fmt.Sprintf("dbname=%s", d.Name),
		fmt.Sprintf("sslmode=%s", d.SSLMode),
	}
	if d.User != "" {
		parts = append(parts, fmt.Sprintf("user=%s", d.User))
	}
	if d.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", quoteValue(d.Password)))
	}
	if d.ConnectTimeout > 0 {
		parts = append(parts, fmt.Sprintf("connect_timeout=%d", max(1, int(d.ConnectTimeout.Seconds()))))
	}
	return strings.Join(parts, " ")
}

// Target is a loggable description of the database, without credentials.
func (d Database) Target() string {
	if d.Driver == DriverSQLite {
		return d.DSN
	}
	if d.DSN != "" {
		return "dsn"
	}
	return fmt.Sprintf("%s:%d/%s", d.Host, d.Port, d.Name)
}

func quoteValue(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
