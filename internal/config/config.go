// Package config loads and validates the archiver configuration.
//
// Scalar settings go through viper so RITUAL_* environment variables can
// override the file; the boards block is decoded straight from the YAML file
// because its rule slots need a typed bool-or-pattern unmarshal that
// mapstructure can't express.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full recognized option set.
type Config struct {
	// Pacing.
	RequestCooldownSec float64
	LoopCooldownSec    float64
	VideoCooldownSec   float64
	ImageCooldownSec   float64
	AddRandom          bool

	// Cache policy.
	IgnoreThreadCache  bool
	IgnoreHTTPCache    bool
	SkipDuplicateFiles bool

	// Media.
	MediaSavePath         string
	MakeThumbnails        bool
	DownloadMismatchedMD5 bool

	// Deletion heuristic.
	NotDeletedIfBumpAgeExceedsMin float64
	NotDeletedIfPageReached       int
	NotDeletedIfReplies           int

	// Storage.
	DB DBConfig

	// Endpoints.
	Endpoints Endpoints

	// Boards in configured order.
	Boards []Board

	CacheDir            string
	UserAgent           string
	UnescapeBeforeWrite bool

	Log     LogConfig
	Metrics MetricsConfig
}

// DBConfig selects and parameterizes the storage backend.
type DBConfig struct {
	Type       string // "sqlite" or "mysql"
	SQLitePath string
	MySQL      MySQLConfig
}

// MySQLConfig holds mysql connection parameters.
type MySQLConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// Endpoints are the remote URL templates. Placeholders: {board}, {thread_id},
// {tim}, {ext}.
type Endpoints struct {
	Catalog   string
	Thread    string
	Archive   string
	Boards    string
	FullMedia string
	Thumbnail string
}

// LogConfig controls the rolling log file sink.
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// MetricsConfig controls the otel metric pipeline.
type MetricsConfig struct {
	Enabled         bool
	IntervalSeconds int
}

// Board carries one board's filtering and media rules.
type Board struct {
	Name string `yaml:"-"`

	Whitelist               string `yaml:"whitelist"`
	Blacklist               string `yaml:"blacklist"`
	OpCommentMinChars       int    `yaml:"op_comment_min_chars"`
	OpCommentMinCharsUnique int    `yaml:"op_comment_min_chars_unique"`
	ThreadText              *bool  `yaml:"thread_text"`

	DlFmThread Rule `yaml:"dl_fm_thread"`
	DlFmOp     Rule `yaml:"dl_fm_op"`
	DlFmPost   Rule `yaml:"dl_fm_post"`
	DlThThread Rule `yaml:"dl_th_thread"`
	DlThOp     Rule `yaml:"dl_th_op"`
	DlThPost   Rule `yaml:"dl_th_post"`
}

// PersistPosts reports whether post rows should be written for this board.
// Defaults to true when thread_text is absent.
func (b *Board) PersistPosts() bool {
	return b.ThreadText == nil || *b.ThreadText
}

// boardsFile mirrors the YAML boards block: an ordered list of single-key
// maps, each key a board name.
type boardsFile struct {
	Boards yaml.Node `yaml:"boards"`
}

// Load reads the config file at path, applies env overrides, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RITUAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		RequestCooldownSec:            v.GetFloat64("request_cooldown_sec"),
		LoopCooldownSec:               v.GetFloat64("loop_cooldown_sec"),
		VideoCooldownSec:              v.GetFloat64("video_cooldown_sec"),
		ImageCooldownSec:              v.GetFloat64("image_cooldown_sec"),
		AddRandom:                     v.GetBool("add_random"),
		IgnoreThreadCache:             v.GetBool("ignore_thread_cache"),
		IgnoreHTTPCache:               v.GetBool("ignore_http_cache"),
		SkipDuplicateFiles:            v.GetBool("skip_duplicate_files"),
		MediaSavePath:                 v.GetString("media_save_path"),
		MakeThumbnails:                v.GetBool("make_thumbnails"),
		DownloadMismatchedMD5:         v.GetBool("download_files_with_mismatched_md5"),
		NotDeletedIfBumpAgeExceedsMin: v.GetFloat64("not_deleted_if_bump_age_exceeds_n_min"),
		NotDeletedIfPageReached:       v.GetInt("not_deleted_if_page_n_reached"),
		NotDeletedIfReplies:           v.GetInt("not_deleted_if_n_replies"),
		CacheDir:                      v.GetString("cache_dir"),
		UserAgent:                     v.GetString("user_agent"),
		UnescapeBeforeWrite:           v.GetBool("unescape_before_write"),
		DB: DBConfig{
			Type:       v.GetString("db.type"),
			SQLitePath: v.GetString("db.sqlite_path"),
			MySQL: MySQLConfig{
				Host:     v.GetString("db.mysql.host"),
				Port:     v.GetInt("db.mysql.port"),
				User:     v.GetString("db.mysql.user"),
				Password: v.GetString("db.mysql.password"),
				Database: v.GetString("db.mysql.database"),
			},
		},
		Endpoints: Endpoints{
			Catalog:   v.GetString("url_catalog"),
			Thread:    v.GetString("url_thread"),
			Archive:   v.GetString("url_archive"),
			Boards:    v.GetString("url_boards"),
			FullMedia: v.GetString("url_full_media"),
			Thumbnail: v.GetString("url_thumbnail"),
		},
		Log: LogConfig{
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
		},
		Metrics: MetricsConfig{
			Enabled:         v.GetBool("metrics.enabled"),
			IntervalSeconds: v.GetInt("metrics.interval_seconds"),
		},
	}

	boards, err := LoadBoards(path)
	if err != nil {
		return nil, err
	}
	cfg.Boards = boards

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBoards reads only the boards block from the config file. The scrape
// loop calls this again when the config watcher flags a change, so board
// rules can be updated without a restart.
func LoadBoards(path string) ([]Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var bf boardsFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if bf.Boards.Kind == 0 {
		return nil, fmt.Errorf("config has no boards block")
	}
	if bf.Boards.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("boards block must be a mapping")
	}

	// A mapping node alternates key/value children; yaml.v3 preserves the
	// file order, which becomes the scrape order.
	var boards []Board
	seen := make(map[string]struct{})
	for i := 0; i+1 < len(bf.Boards.Content); i += 2 {
		key := bf.Boards.Content[i]
		val := bf.Boards.Content[i+1]

		var b Board
		if val.Kind == yaml.MappingNode {
			if err := val.Decode(&b); err != nil {
				return nil, fmt.Errorf("board %q: %w", key.Value, err)
			}
		}
		b.Name = key.Value
		if b.Name == "" {
			return nil, fmt.Errorf("empty board name")
		}
		if _, dup := seen[b.Name]; dup {
			return nil, fmt.Errorf("board %q configured twice", b.Name)
		}
		seen[b.Name] = struct{}{}
		boards = append(boards, b)
	}
	if len(boards) == 0 {
		return nil, fmt.Errorf("no boards configured")
	}
	return boards, nil
}

// Validate rejects configurations the loop cannot run with.
func (c *Config) Validate() error {
	switch c.DB.Type {
	case "sqlite":
		if c.DB.SQLitePath == "" {
			return fmt.Errorf("db.sqlite_path is required for db.type sqlite")
		}
	case "mysql":
		if c.DB.MySQL.Database == "" {
			return fmt.Errorf("db.mysql.database is required for db.type mysql")
		}
	default:
		return fmt.Errorf("unknown db.type %q (want sqlite or mysql)", c.DB.Type)
	}
	if c.MediaSavePath == "" {
		return fmt.Errorf("media_save_path is required")
	}
	if len(c.Boards) == 0 {
		return fmt.Errorf("no boards configured")
	}
	for _, e := range []struct{ name, tmpl string }{
		{"url_catalog", c.Endpoints.Catalog},
		{"url_thread", c.Endpoints.Thread},
		{"url_archive", c.Endpoints.Archive},
		{"url_boards", c.Endpoints.Boards},
		{"url_full_media", c.Endpoints.FullMedia},
		{"url_thumbnail", c.Endpoints.Thumbnail},
	} {
		if e.tmpl == "" {
			return fmt.Errorf("%s is required", e.name)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("request_cooldown_sec", 1.2)
	v.SetDefault("loop_cooldown_sec", 60.0)
	v.SetDefault("video_cooldown_sec", 3.2)
	v.SetDefault("image_cooldown_sec", 2.2)
	v.SetDefault("add_random", true)
	v.SetDefault("ignore_thread_cache", true)
	v.SetDefault("ignore_http_cache", false)
	v.SetDefault("skip_duplicate_files", true)
	v.SetDefault("make_thumbnails", false)
	v.SetDefault("download_files_with_mismatched_md5", false)
	v.SetDefault("not_deleted_if_bump_age_exceeds_n_min", 60.0)
	v.SetDefault("not_deleted_if_page_n_reached", 8)
	v.SetDefault("not_deleted_if_n_replies", 100)
	v.SetDefault("cache_dir", "cache")
	v.SetDefault("user_agent", "ritual/1.0")
	v.SetDefault("unescape_before_write", true)
	v.SetDefault("db.type", "sqlite")
	v.SetDefault("db.mysql.port", 3306)
	v.SetDefault("url_catalog", "https://a.4cdn.org/{board}/catalog.json")
	v.SetDefault("url_thread", "https://a.4cdn.org/{board}/thread/{thread_id}.json")
	v.SetDefault("url_archive", "https://a.4cdn.org/{board}/archive.json")
	v.SetDefault("url_boards", "https://a.4cdn.org/boards.json")
	v.SetDefault("url_full_media", "https://i.4cdn.org/{board}/{tim}{ext}")
	v.SetDefault("url_thumbnail", "https://i.4cdn.org/{board}/{tim}s.jpg")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.interval_seconds", 60)
}
