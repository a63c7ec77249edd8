// Package config - настройки сервера: YAML-файл, затем переменные окружения, затем флаги.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"vision-server/internal/domain"
	"vision-server/internal/memory"
	syncer "vision-server/internal/sync"
	"vision-server/internal/systems"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Port string `yaml:"port"`
	// AllowedOrigin - значение Access-Control-Allow-Origin.
	AllowedOrigin string `yaml:"allowed_origin"`
	Debug         bool   `yaml:"debug"`
}

type Storage struct {
	// Driver: memory | sqlite
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Kafka struct {
	Brokers     []string      `yaml:"brokers"`
	TopicPrefix string        `yaml:"topic_prefix"`
	GroupID     string        `yaml:"group_id"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

// Enabled - Kafka используется только если заданы брокеры.
func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

type Minio struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	// LocalDir - папка для снимков, если MinIO не настроен.
	LocalDir string `yaml:"local_dir"`
}

func (m Minio) Enabled() bool { return m.Endpoint != "" }

type Visibility struct {
	Quality   string        `yaml:"quality"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
}

type Lighting struct {
	Softness  float64 `yaml:"softness"`
	FlickerHz float64 `yaml:"flicker_hz"`
}

type Memory struct {
	DecayRate     float64       `yaml:"decay_rate"`
	DecayInterval time.Duration `yaml:"decay_interval"`
	Floor         float64       `yaml:"floor"`
	MaxPoints     int           `yaml:"max_points"`
	// MergeCellFactor - стартовая ячейка слияния в размерах клетки карты.
	MergeCellFactor float64       `yaml:"merge_cell_factor"`
	ForgetAfter     time.Duration `yaml:"forget_after"`
}

type Sync struct {
	Origin        string        `yaml:"origin"`
	QueueSize     int           `yaml:"queue_size"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryMax      time.Duration `yaml:"retry_max"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

type Engine struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	ArchiveInterval time.Duration `yaml:"archive_interval"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	// Параметры новой карты, если в хранилище ее еще нет
	DefaultWidth    float64 `yaml:"default_width"`
	DefaultHeight   float64 `yaml:"default_height"`
	DefaultCellSize float64 `yaml:"default_cell_size"`
	DefaultAmbient  float64 `yaml:"default_ambient"`
	// Preload - карты, которые поднимаются при старте.
	Preload []string `yaml:"preload"`
	// Layout - планировка новой карты: "" (пустая) | "dungeon".
	Layout     string `yaml:"layout"`
	LayoutSeed int64  `yaml:"layout_seed"`
}

type Config struct {
	Server     Server     `yaml:"server"`
	Storage    Storage    `yaml:"storage"`
	Kafka      Kafka      `yaml:"kafka"`
	Minio      Minio      `yaml:"minio"`
	Visibility Visibility `yaml:"visibility"`
	Lighting   Lighting   `yaml:"lighting"`
	Memory     Memory     `yaml:"memory"`
	Sync       Sync       `yaml:"sync"`
	Engine     Engine     `yaml:"engine"`
}

// Default - рабочая конфигурация без внешних сервисов: память вместо БД, локальная шина.
func Default() Config {
	return Config{
		Server:  Server{Port: "8080", AllowedOrigin: "*"},
		Storage: Storage{Driver: "memory"},
		Kafka: Kafka{
			TopicPrefix: "vision.",
			MaxWait:     time.Second,
		},
		Minio: Minio{Bucket: "vision-snapshots", LocalDir: "data/snapshots"},
		Visibility: Visibility{
			Quality:   string(systems.QualityMedium),
			CacheTTL:  30 * time.Second,
			CacheSize: 256,
		},
		Lighting: Lighting{
			Softness:  systems.DefaultSoftness,
			FlickerHz: systems.DefaultFlickerHz,
		},
		Memory: Memory{
			DecayRate:       domain.DefaultDecayRate,
			DecayInterval:   domain.DefaultDecayInterval,
			Floor:           domain.DefaultMemoryFloor,
			MaxPoints:       domain.DefaultMaxPoints,
			MergeCellFactor: 2,
		},
		Sync: Sync{
			QueueSize:     1024,
			RetryAttempts: 5,
			RetryBase:     100 * time.Millisecond,
			RetryMax:      5 * time.Second,
			DrainTimeout:  5 * time.Second,
		},
		Engine: Engine{
			TickInterval:    100 * time.Millisecond,
			ArchiveInterval: 10 * time.Minute,
			FlushInterval:   5 * time.Second,
			DefaultWidth:    100,
			DefaultHeight:   100,
			DefaultCellSize: domain.DefaultCellSize,
			DefaultAmbient:  0.1,
		},
	}
}

// Load собирает конфигурацию: Default, затем YAML (если path не пуст), затем окружение.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, cfg.Validate()
}

// applyEnv переопределяет поля из окружения. lookup внедряется ради тестов.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("VS_PORT", &c.Server.Port)
	str("VS_ALLOWED_ORIGIN", &c.Server.AllowedOrigin)
	if v, ok := lookup("VS_DEBUG"); ok {
		c.Server.Debug, _ = strconv.ParseBool(v)
	}

	str("VS_STORAGE_DRIVER", &c.Storage.Driver)
	if v, ok := lookup("VS_STORAGE_DSN"); ok && v != "" {
		c.Storage.DSN = v
		// DSN без драйвера - значит sqlite
		if c.Storage.Driver == "memory" {
			c.Storage.Driver = "sqlite"
		}
	}

	if v, ok := lookup("KAFKA_BROKERS"); ok {
		if brokers := splitList(v); len(brokers) > 0 {
			c.Kafka.Brokers = brokers
		}
	}
	str("KAFKA_TOPIC_PREFIX", &c.Kafka.TopicPrefix)
	str("KAFKA_GROUP_ID", &c.Kafka.GroupID)

	str("MINIO_ENDPOINT", &c.Minio.Endpoint)
	str("MINIO_ACCESS_KEY", &c.Minio.AccessKey)
	str("MINIO_SECRET_KEY", &c.Minio.SecretKey)
	str("MINIO_BUCKET", &c.Minio.Bucket)
	if v, ok := lookup("MINIO_USE_SSL"); ok {
		c.Minio.UseSSL, _ = strconv.ParseBool(v)
	}
	str("VS_SNAPSHOT_DIR", &c.Minio.LocalDir)

	str("VS_QUALITY", &c.Visibility.Quality)
	str("VS_SYNC_ORIGIN", &c.Sync.Origin)
	dur("VS_TICK_INTERVAL", &c.Engine.TickInterval)
	dur("VS_ARCHIVE_INTERVAL", &c.Engine.ArchiveInterval)
	str("VS_LAYOUT", &c.Engine.Layout)
	if v, ok := lookup("VS_LAYOUT_SEED"); ok && v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Engine.LayoutSeed = seed
		}
	}
	if v, ok := lookup("VS_PRELOAD_MAPS"); ok {
		c.Engine.Preload = splitList(v)
	}
}

// RegisterFlags объявляет флаги, переопределяющие конфигурацию.
// Применяются через ApplyFlags после Parse.
func RegisterFlags(fs *flag.FlagSet) {
	fs.String("port", "", "HTTP port")
	fs.String("storage-dsn", "", "SQLite DSN (enables sqlite storage)")
	fs.String("kafka-brokers", "", "Comma separated Kafka brokers")
	fs.String("quality", "", "Visibility quality: low | medium | high")
	fs.Duration("tick", 0, "Engine tick interval")
}

// ApplyFlags переносит в конфигурацию только явно заданные флаги.
func (c *Config) ApplyFlags(fs *flag.FlagSet) error {
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "port":
			c.Server.Port = v
		case "storage-dsn":
			c.Storage.DSN = v
			c.Storage.Driver = "sqlite"
		case "kafka-brokers":
			c.Kafka.Brokers = splitList(v)
		case "quality":
			c.Visibility.Quality = v
		case "tick":
			if d, err := time.ParseDuration(v); err == nil {
				c.Engine.TickInterval = d
			}
		}
	})
	return c.Validate()
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is empty"))
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Engine.TickInterval <= 0 {
		errs = append(errs, errors.New("engine.tick_interval must be positive"))
	}
	if c.Engine.DefaultCellSize <= 0 {
		errs = append(errs, errors.New("engine.default_cell_size must be positive"))
	}
	if c.Memory.DecayInterval <= 0 {
		errs = append(errs, errors.New("memory.decay_interval must be positive"))
	}
	if c.Memory.Floor < 0 || c.Memory.Floor > 1 {
		errs = append(errs, fmt.Errorf("memory.floor must be within [0,1], got %v", c.Memory.Floor))
	}
	switch c.Engine.Layout {
	case "", "dungeon":
	default:
		errs = append(errs, fmt.Errorf("unknown engine.layout %q", c.Engine.Layout))
	}
	if c.Sync.QueueSize <= 0 {
		errs = append(errs, errors.New("sync.queue_size must be positive"))
	}
	return errors.Join(errs...)
}

// Quality - качество видимости.
func (c Config) Quality() systems.Quality {
	return systems.ParseQuality(strings.ToLower(c.Visibility.Quality))
}

// MemoryConfig - параметры трекера памяти для карты с клеткой cellSize.
func (c Config) MemoryConfig(cellSize float64) memory.Config {
	if cellSize <= 0 {
		cellSize = c.Engine.DefaultCellSize
	}
	factor := c.Memory.MergeCellFactor
	if factor < 1 {
		factor = 1
	}
	return memory.Config{
		CellSize:      cellSize,
		DecayRate:     c.Memory.DecayRate,
		DecayInterval: c.Memory.DecayInterval,
		Floor:         c.Memory.Floor,
		MaxPoints:     c.Memory.MaxPoints,
		MergeCellSize: factor * cellSize,
		ForgetAfter:   c.Memory.ForgetAfter,
	}
}

// SyncConfig - параметры синхронизатора. Пустой origin - случайный.
func (c Config) SyncConfig() syncer.Config {
	sc := syncer.DefaultConfig()
	if c.Sync.Origin != "" {
		sc.Origin = c.Sync.Origin
	}
	sc.QueueSize = c.Sync.QueueSize
	sc.RetryAttempts = c.Sync.RetryAttempts
	sc.RetryBase = c.Sync.RetryBase
	sc.RetryMax = c.Sync.RetryMax
	sc.DrainTimeout = c.Sync.DrainTimeout
	return sc
}

// DefaultSettings - настройки новой карты.
func (c Config) DefaultSettings(mapID string) domain.MapSettings {
	return domain.MapSettings{
		MapID:    mapID,
		Ambient:  c.Engine.DefaultAmbient,
		Width:    c.Engine.DefaultWidth,
		Height:   c.Engine.DefaultHeight,
		CellSize: c.Engine.DefaultCellSize,
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
