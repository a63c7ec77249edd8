package engine

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"strconv"
	"sync"

	"vision-server/internal/domain"
	"vision-server/internal/systems"
	"vision-server/pkg/geometry"

	"golang.org/x/sync/singleflight"
)

// computeRequest - неизменяемые входные данные расчета кадра.
// Цикл карты после отправки запроса эти данные не меняет.
type computeRequest struct {
	viewerID  string
	gen       uint64
	tick      uint64
	viewer    domain.Viewer
	obstacles *domain.ObstacleSet
	lights    []domain.LightSource
	ambient   float64
	grid      systems.Grid
}

type computeResult struct {
	viewerID string
	gen      uint64
	tick     uint64
	visible  *systems.Snapshot
	outline  []geometry.Point
	field    *systems.LightField
	err      error
}

// computer считает видимость и освещение вне цикла карты.
type computer struct {
	resolver   *systems.Resolver
	propagator *systems.Propagator
	cache      *systems.VisibilityCache
	quality    systems.Quality

	// Поле освещения одно на всех наблюдателей: считается один раз на набор входных данных
	group    singleflight.Group
	mu       sync.Mutex
	fieldKey string
	field    *systems.LightField
}

func newComputer(cellSize float64, cache *systems.VisibilityCache, quality systems.Quality, softness float64) *computer {
	return &computer{
		resolver:   systems.NewResolver(cellSize, cache),
		propagator: systems.NewPropagator(quality, softness),
		cache:      cache,
		quality:    quality,
	}
}

func (c *computer) cacheStats() (hits, misses uint64, size int) {
	if c.cache == nil {
		return 0, 0, 0
	}
	return c.cache.Stats()
}

func (c *computer) run(ctx context.Context, req computeRequest) computeResult {
	res := computeResult{viewerID: req.viewerID, gen: req.gen, tick: req.tick}

	field, err := c.lightField(ctx, req)
	if err != nil {
		res.err = err
		return res
	}
	res.field = field

	// Всевидящему видимость не нужна: Compose открывает все
	if req.viewer.Vision.Omniscient {
		return res
	}

	// 1. Собственные точки обзора (зрение и чувства)
	own, err := c.resolver.ComputeMany(ctx, systems.ViewerOrigins(&req.viewer), req.obstacles, c.quality)
	if err != nil {
		res.err = err
		return res
	}
	res.outline = append([]geometry.Point(nil), own.Outline...)

	// 2. Освещенные клетки, на которые наблюдатель смотрит напрямую
	lit, err := c.resolver.ComputeMany(ctx, systems.LightOrigins(req.lights), req.obstacles, c.quality)
	if err != nil {
		res.err = err
		return res
	}
	inSight, err := c.resolver.InSight(ctx, req.viewer.Position, lit, req.obstacles)
	if err != nil {
		res.err = err
		return res
	}
	own.Merge(inSight)
	res.visible = own
	return res
}

func (c *computer) lightField(ctx context.Context, req computeRequest) (*systems.LightField, error) {
	key := fieldKey(req)

	c.mu.Lock()
	if c.fieldKey == key && c.field != nil {
		f := c.field
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		f, err := c.propagator.Propagate(ctx, req.lights, req.obstacles, req.ambient, req.grid)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.fieldKey, c.field = key, f
		c.mu.Unlock()
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*systems.LightField), nil
}

// fieldKey - отпечаток входных данных освещения.
func fieldKey(req computeRequest) string {
	h := fnv.New64a()
	var buf [8]byte
	writeF := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	binary.LittleEndian.PutUint64(buf[:], req.obstacles.Fingerprint())
	h.Write(buf[:])
	writeF(req.ambient)
	writeF(req.grid.CellSize)
	writeF(req.grid.Bounds.Width)
	writeF(req.grid.Bounds.Height)
	for _, l := range req.lights {
		h.Write([]byte(l.ID))
		writeF(l.Position.X)
		writeF(l.Position.Y)
		writeF(l.Radius)
		writeF(l.Intensity)
		h.Write([]byte{l.Color.R, l.Color.G, l.Color.B})
		if l.CastShadows {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
