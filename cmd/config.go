package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ghyeongl/treemirror/mirror"
)

// Config is the resolved configuration of one invocation.
type Config struct {
	IndexDB      string        `mapstructure:"index_db"`
	LogDir       string        `mapstructure:"log_dir"`
	LogLevel     string        `mapstructure:"log_level"`
	Digest       string        `mapstructure:"digest"`
	Exclude      []string      `mapstructure:"exclude"`
	IgnoreFile   string        `mapstructure:"ignore_file"`
	PageSize     int           `mapstructure:"page_size"`
	TrashDir     string        `mapstructure:"trash_dir"`
	DedupPolicy  string        `mapstructure:"dedup_policy"`
	DetectMoves  bool          `mapstructure:"detect_moves"`
	HashCacheTTL time.Duration `mapstructure:"hash_cache_ttl"`
}

var (
	v       = viper.New()
	cfgFile string
	cfg     *Config
)

// flag name -> config key
var configFlags = map[string]string{
	"index-db":       "index_db",
	"log-dir":        "log_dir",
	"log-level":      "log_level",
	"digest":         "digest",
	"exclude":        "exclude",
	"ignore-file":    "ignore_file",
	"page-size":      "page_size",
	"trash-dir":      "trash_dir",
	"dedup-policy":   "dedup_policy",
	"detect-moves":   "detect_moves",
	"hash-cache-ttl": "hash_cache_ttl",
}

func addConfigFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&cfgFile, "config", "c", "", "config file (default $XDG_CONFIG_HOME/treemirror/config.yaml)")
	f.String("index-db", "~/.local/share/treemirror/index.db", "path to the SQLite index")
	f.String("log-dir", "", "directory for rotated log files (console only when empty)")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.String("digest", mirror.AlgoSHA1, "content digest: sha1 or blake2b-160")
	f.StringSlice("exclude", nil, "exclusion rule; /prefix or path fragment (repeatable)")
	f.String("ignore-file", "", "glob pattern file (default <tree>/"+mirror.IgnoreFileName+")")
	f.Int("page-size", 500, "index rows read per page")
	f.String("trash-dir", "", "move deleted files here, relative to the tree root")
	f.String("dedup-policy", string(mirror.PolicyLongestName), "survivor policy: longest-name or oldest")
	f.Bool("detect-moves", false, "pair missing and new files by name, size and mtime during resync")
	f.Duration("hash-cache-ttl", 30*time.Minute, "lifetime of cached digests")
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "treemirror")
	}
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "treemirror")
}

// loadConfig merges flags, TREEMIRROR_* environment and the config file.
func loadConfig(flags *pflag.FlagSet) (*Config, error) {
	for name, key := range configFlags {
		if fl := flags.Lookup(name); fl != nil {
			if err := v.BindPFlag(key, fl); err != nil {
				return nil, fmt.Errorf("bind %s: %w", name, err)
			}
		}
	}
	v.SetEnvPrefix("TREEMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		p, err := homedir.Expand(cfgFile)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(p)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir := configDir(); dir != "" {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for _, p := range []*string{&c.IndexDB, &c.LogDir, &c.IgnoreFile} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", *p, err)
		}
		*p = expanded
	}
	if c.TrashDir != "" {
		c.TrashDir = mirror.CleanRel(c.TrashDir)
	}
	if _, err := mirror.ParseSurvivorPolicy(c.DedupPolicy); err != nil {
		return nil, err
	}
	return c, nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return lvl, nil
}

func initConfig(cmd *cobra.Command) error {
	c, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	mirror.InitLogger(c.LogDir, lvl)
	cfg = c
	mirror.Logger("cmd").Debug("config loaded", "file", v.ConfigFileUsed(), "index", c.IndexDB, "digest", c.Digest)
	return nil
}
