// Package config loads the YAML configuration of the accounting service.
package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/martibooks/internal/domain"
	"github.com/vadiminshakov/martibooks/internal/events"
	"github.com/vadiminshakov/martibooks/internal/portfolio"
	"github.com/vadiminshakov/martibooks/internal/precision"
	"github.com/vadiminshakov/martibooks/internal/valuation"
)

const (
	PlatformBinance  = "binance"
	PlatformSimulate = "simulate"

	StorageWAL = "wal"
	StorageSQL = "sql"

	defaultBaseCurrency   = "USDT"
	defaultTagPrefix      = "marti-"
	defaultHTTPAddr       = ":8080"
	defaultDataDir        = "./data"
	defaultSyncInterval   = time.Minute
	defaultSyncTimeout    = 30 * time.Second
	defaultMaxPriceAge    = 5 * time.Minute
	defaultRetention      = 30 * 24 * time.Hour
	defaultPriceWorkers   = 8
	historyStartTimeFmt   = "2006-01-02"
	defaultDriftTolerance = "1"
)

// Storage selects the persistence backend.
type Storage struct {
	Backend string
	// Dir is the WAL directory.
	Dir string
	// Driver and DSN configure the sql backend ("postgres" or "sqlite3").
	Driver string
	DSN    string
}

// Config of the service.
type Config struct {
	Platform     string
	BaseCurrency string
	// Pairs are polled for trade history.
	Pairs              []domain.Pair
	Aliases            map[string]string
	IncludeAssets      []string
	ExcludeAssets      []string
	MoneyDecimals      int32
	AssetDecimals      map[string]int32
	ValuationOverrides map[string]domain.Pair
	MaxPriceAge        time.Duration
	PriceWorkers       int
	DriftTolerance     decimal.Decimal
	SnapshotRetention  time.Duration
	TrackManualTrades  bool
	HistoryStart       time.Time
	TagPrefix          string
	SyncInterval       time.Duration
	SyncTimeout        time.Duration
	Storage            Storage
	HTTPAddr           string
	NATSURL            string
	NATSSubject        string
	// ReplayFile seeds the simulate platform.
	ReplayFile string
	APIKey     string
	APISecret  string
}

type configTmp struct {
	Platform           string            `yaml:"platform"`
	BaseCurrency       string            `yaml:"base_currency"`
	Pairs              []string          `yaml:"pairs"`
	Aliases            map[string]string `yaml:"aliases"`
	IncludeAssets      []string          `yaml:"include_assets"`
	ExcludeAssets      []string          `yaml:"exclude_assets"`
	MoneyDecimals      *int32            `yaml:"money_decimals"`
	AssetDecimals      map[string]int32  `yaml:"asset_decimals"`
	ValuationOverrides map[string]string `yaml:"valuation_overrides"`
	MaxPriceAge        string            `yaml:"max_price_age"`
	PriceWorkers       int               `yaml:"price_workers"`
	DriftTolerance     string            `yaml:"drift_tolerance"`
	SnapshotRetention  string            `yaml:"snapshot_retention"`
	TrackManualTrades  bool              `yaml:"track_manual_trades"`
	HistoryStart       string            `yaml:"history_start"`
	TagPrefix          *string           `yaml:"tag_prefix"`
	SyncInterval       string            `yaml:"sync_interval"`
	SyncTimeout        string            `yaml:"sync_timeout"`
	Storage            struct {
		Backend string `yaml:"backend"`
		Dir     string `yaml:"dir"`
		Driver  string `yaml:"driver"`
		DSN     string `yaml:"dsn"`
	} `yaml:"storage"`
	HTTPAddr string `yaml:"http_addr"`
	NATS     struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`
	ReplayFile string `yaml:"replay_file"`
}

// Get reads the --config flag and loads the file. Without it a simulate
// configuration with defaults is returned.
func Get() (Config, error) {
	path := flag.String("config", "", "path to yaml config")
	flag.Parse()

	if *path == "" {
		return Parse([]byte("platform: " + PlatformSimulate))
	}

	return Load(*path)
}

// Load reads a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}

	return Parse(data)
}

// Parse decodes YAML config, applies defaults and reads exchange secrets from the environment.
func Parse(data []byte) (Config, error) {
	var tmp configTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return Config{}, errors.Wrap(err, "parse yaml config")
	}

	c := Config{
		Platform:      strings.ToLower(strings.TrimSpace(tmp.Platform)),
		BaseCurrency:  domain.NormalizeAsset(tmp.BaseCurrency),
		Aliases:       tmp.Aliases,
		IncludeAssets: tmp.IncludeAssets,
		ExcludeAssets: tmp.ExcludeAssets,
		MoneyDecimals: precision.DefaultDecimals,
		AssetDecimals: tmp.AssetDecimals,
		PriceWorkers:  tmp.PriceWorkers,
		TagPrefix:     defaultTagPrefix,
		Storage: Storage{
			Backend: strings.ToLower(tmp.Storage.Backend),
			Dir:     tmp.Storage.Dir,
			Driver:  tmp.Storage.Driver,
			DSN:     tmp.Storage.DSN,
		},
		TrackManualTrades: tmp.TrackManualTrades,
		HTTPAddr:          tmp.HTTPAddr,
		NATSURL:           tmp.NATS.URL,
		NATSSubject:       tmp.NATS.Subject,
		ReplayFile:        tmp.ReplayFile,
	}

	switch c.Platform {
	case "":
		c.Platform = PlatformBinance
	case PlatformBinance, PlatformSimulate:
	default:
		return Config{}, errors.Errorf("unsupported platform %q", tmp.Platform)
	}
	if c.BaseCurrency == "" {
		c.BaseCurrency = defaultBaseCurrency
	}
	if tmp.MoneyDecimals != nil {
		if *tmp.MoneyDecimals < 0 {
			return Config{}, errors.Errorf("incorrect 'money_decimals' param in yaml config: %d", *tmp.MoneyDecimals)
		}
		c.MoneyDecimals = *tmp.MoneyDecimals
	}
	if tmp.TagPrefix != nil {
		c.TagPrefix = *tmp.TagPrefix
	}
	if c.PriceWorkers <= 0 {
		c.PriceWorkers = defaultPriceWorkers
	}

	for _, s := range tmp.Pairs {
		pair, err := domain.ParsePair(s)
		if err != nil {
			return Config{}, errors.Wrapf(err, "incorrect 'pairs' param in yaml config")
		}
		c.Pairs = append(c.Pairs, pair)
	}

	if len(tmp.ValuationOverrides) > 0 {
		c.ValuationOverrides = make(map[string]domain.Pair, len(tmp.ValuationOverrides))
		for asset, s := range tmp.ValuationOverrides {
			pair, err := domain.ParsePair(s)
			if err != nil {
				return Config{}, errors.Wrapf(err, "incorrect 'valuation_overrides' param for %s", asset)
			}
			c.ValuationOverrides[domain.NormalizeAsset(asset)] = pair
		}
	}

	var err error
	if c.DriftTolerance, err = parseDecimal("drift_tolerance", tmp.DriftTolerance, defaultDriftTolerance); err != nil {
		return Config{}, err
	}
	if c.DriftTolerance.IsNegative() {
		return Config{}, errors.Errorf("incorrect 'drift_tolerance' param in yaml config: must not be negative")
	}
	if c.MaxPriceAge, err = parseDuration("max_price_age", tmp.MaxPriceAge, defaultMaxPriceAge); err != nil {
		return Config{}, err
	}
	if c.SnapshotRetention, err = parseDuration("snapshot_retention", tmp.SnapshotRetention, defaultRetention); err != nil {
		return Config{}, err
	}
	if c.SyncInterval, err = parseDuration("sync_interval", tmp.SyncInterval, defaultSyncInterval); err != nil {
		return Config{}, err
	}
	if c.SyncTimeout, err = parseDuration("sync_timeout", tmp.SyncTimeout, defaultSyncTimeout); err != nil {
		return Config{}, err
	}
	if tmp.HistoryStart != "" {
		if c.HistoryStart, err = time.ParseInLocation(historyStartTimeFmt, tmp.HistoryStart, time.UTC); err != nil {
			return Config{}, errors.Wrap(err, "incorrect 'history_start' param in yaml config (correct format is 2024-01-31)")
		}
	}

	switch c.Storage.Backend {
	case "", StorageWAL:
		c.Storage.Backend = StorageWAL
		if c.Storage.Dir == "" {
			c.Storage.Dir = defaultDataDir
		}
	case StorageSQL:
		if c.Storage.Driver == "" || c.Storage.DSN == "" {
			return Config{}, errors.New("sql storage requires 'driver' and 'dsn'")
		}
	default:
		return Config{}, errors.Errorf("unsupported storage backend %q", tmp.Storage.Backend)
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = defaultHTTPAddr
	}
	if c.NATSSubject == "" {
		c.NATSSubject = events.DefaultSubject
	}

	if c.Platform == PlatformBinance {
		c.APIKey = os.Getenv("BINANCE_API_KEY")
		c.APISecret = os.Getenv("BINANCE_API_SECRET")
		if c.APIKey == "" || c.APISecret == "" {
			return Config{}, errors.New("BINANCE_API_KEY and BINANCE_API_SECRET environment variables must be set")
		}
		if len(c.Pairs) == 0 {
			return Config{}, errors.New("binance platform requires at least one entry in 'pairs'")
		}
	}

	return c, nil
}

// Portfolio returns the portfolio service configuration.
func (c Config) Portfolio() portfolio.Config {
	return portfolio.Config{
		BaseCurrency:      c.BaseCurrency,
		DriftTolerance:    c.DriftTolerance,
		SnapshotRetention: c.SnapshotRetention,
		TrackManualTrades: c.TrackManualTrades,
		HistoryStart:      c.HistoryStart,
		Filter:            domain.NewAssetFilter(c.IncludeAssets, c.ExcludeAssets),
		Normalizer:        domain.NewAssetNormalizer(c.Aliases),
		TagPrefix:         c.TagPrefix,
		HomePairs:         c.ValuationOverrides,
		Precision:         precision.NewRules(c.MoneyDecimals, c.AssetDecimals),
	}
}

// Valuation returns the valuator configuration.
func (c Config) Valuation() valuation.Config {
	return valuation.Config{
		BaseCurrency: c.BaseCurrency,
		Overrides:    c.ValuationOverrides,
		MaxPriceAge:  c.MaxPriceAge,
		Concurrency:  c.PriceWorkers,
	}
}

func parseDecimal(name, raw, fallback string) (decimal.Decimal, error) {
	if raw == "" {
		raw = fallback
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "incorrect '%s' param in yaml config (must be a decimal)", name)
	}

	return v, nil
}

func parseDuration(name, raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "incorrect '%s' param in yaml config (correct format is 5m)", name)
	}
	if v <= 0 {
		return 0, errors.Errorf("incorrect '%s' param in yaml config: must be positive", name)
	}

	return v, nil
}
