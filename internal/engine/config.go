package engine

import (
	"time"

	"vision-server/internal/config"
	"vision-server/internal/domain"
	"vision-server/internal/memory"
	"vision-server/internal/systems"
	"vision-server/pkg/dungeon"
)

// Config хранит параметры запуска движка
type Config struct {
	TickInterval    time.Duration
	DecayEvery      time.Duration
	FlushInterval   time.Duration
	ArchiveInterval time.Duration // 0 - без периодического архива

	Quality   systems.Quality
	Softness  float64
	FlickerHz float64
	CacheTTL  time.Duration
	CacheSize int

	// Memory - параметры памяти для карты с заданной клеткой.
	Memory func(cellSize float64) memory.Config
	// DefaultSettings - настройки новой карты.
	DefaultSettings func(mapID string) domain.MapSettings
	// Layout - стены и свет новой карты. nil - карта создается пустой.
	Layout func(settings domain.MapSettings) ([]domain.Obstacle, []domain.LightSource, error)
}

// NewConfig собирает конфиг движка из общей конфигурации.
func NewConfig(c config.Config) Config {
	decayEvery := c.Memory.DecayInterval / 10
	if decayEvery < c.Engine.TickInterval {
		decayEvery = c.Engine.TickInterval
	}
	cfg := Config{
		TickInterval:    c.Engine.TickInterval,
		DecayEvery:      decayEvery,
		FlushInterval:   c.Engine.FlushInterval,
		ArchiveInterval: c.Engine.ArchiveInterval,
		Quality:         c.Quality(),
		Softness:        c.Lighting.Softness,
		FlickerHz:       c.Lighting.FlickerHz,
		CacheTTL:        c.Visibility.CacheTTL,
		CacheSize:       c.Visibility.CacheSize,
		Memory:          c.MemoryConfig,
		DefaultSettings: c.DefaultSettings,
	}
	if c.Engine.Layout == "dungeon" {
		cfg.Layout = dungeonLayout(c.Engine.LayoutSeed)
	}
	return cfg
}

func dungeonLayout(seed int64) func(domain.MapSettings) ([]domain.Obstacle, []domain.LightSource, error) {
	return func(s domain.MapSettings) ([]domain.Obstacle, []domain.LightSource, error) {
		cols := int(s.Width / s.CellSize)
		rows := int(s.Height / s.CellSize)
		l, err := dungeon.Generate(dungeon.SeedFor(s.MapID, seed), cols, rows)
		if err != nil {
			return nil, nil, err
		}
		return l.Obstacles(s.MapID, s.CellSize), l.Lights(s.MapID, s.CellSize), nil
	}
}

// DefaultConfig - конфиг по умолчанию.
func DefaultConfig() Config {
	return NewConfig(config.Default())
}

func (c Config) flushEvery() time.Duration {
	if c.FlushInterval <= 0 {
		return c.TickInterval
	}
	return c.FlushInterval
}

func (c Config) flickerEvery() time.Duration {
	hz := c.FlickerHz
	if hz <= 0 || hz > systems.DefaultFlickerHz {
		hz = systems.DefaultFlickerHz
	}
	d := time.Duration(float64(time.Second) / hz)
	if d < c.TickInterval {
		d = c.TickInterval
	}
	return d
}
