// Package dungeon генерирует планировку демонстрационной карты: комнаты,
// коридоры между ними и факелы. Результат переводится в стены и источники света.
package dungeon

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"

	"vision-server/internal/domain"
	"vision-server/pkg/geometry"
)

// Константы генерации
const (
	MaxRooms = 8
	MinSize  = 4
	MaxSize  = 10
)

// Rect - Вспомогательная структура для комнаты
type Rect struct {
	X, Y, W, H int
}

func (r Rect) Center() (int, int) {
	return r.X + r.W/2, r.Y + r.H/2
}

func (r Rect) Intersects(other Rect) bool {
	return r.X <= other.X+other.W && r.X+r.W >= other.X &&
		r.Y <= other.Y+other.H && r.Y+r.H >= other.Y
}

// Layout - планировка в клетках карты.
type Layout struct {
	Cols, Rows int
	Rooms      []Rect
	// rock[y][x] - клетка занята камнем
	rock [][]bool
}

// SeedFor смешивает общий сид с идентификатором карты:
// разные карты получают разные планировки, одна карта - всегда одну.
func SeedFor(mapID string, seed int64) int64 {
	h := fnv.New64a()
	h.Write([]byte(mapID))
	return seed ^ int64(h.Sum64())
}

// Generate создает планировку cols x rows. Одинаковый seed дает одинаковый результат.
func Generate(seed int64, cols, rows int) (*Layout, error) {
	if cols < MaxSize+2 || rows < MaxSize+2 {
		return nil, fmt.Errorf("dungeon: map %dx%d is too small, need at least %dx%d", cols, rows, MaxSize+2, MaxSize+2)
	}
	rng := rand.New(rand.NewSource(seed))

	// 1. Заполняем камнем
	l := &Layout{Cols: cols, Rows: rows, rock: make([][]bool, rows)}
	for y := range l.rock {
		row := make([]bool, cols)
		for x := range row {
			row[x] = true
		}
		l.rock[y] = row
	}

	// 2. Комнаты и коридоры к предыдущей комнате
	for i := 0; i < MaxRooms; i++ {
		w := randRange(rng, MinSize, MaxSize)
		h := randRange(rng, MinSize, MaxSize)
		room := Rect{
			X: randRange(rng, 1, cols-w-1),
			Y: randRange(rng, 1, rows-h-1),
			W: w,
			H: h,
		}

		failed := false
		for _, other := range l.Rooms {
			if room.Intersects(other) {
				failed = true
				break
			}
		}
		if failed {
			continue
		}

		l.carveRoom(room)
		if len(l.Rooms) > 0 {
			prevX, prevY := l.Rooms[len(l.Rooms)-1].Center()
			currX, currY := room.Center()
			if rng.Intn(2) == 0 {
				l.carveH(prevX, currX, prevY)
				l.carveV(prevY, currY, currX)
			} else {
				l.carveV(prevY, currY, prevX)
				l.carveH(prevX, currX, currY)
			}
		}
		l.Rooms = append(l.Rooms, room)
	}
	return l, nil
}

// IsRock - клетка занята камнем. Клетки вне карты считаются камнем.
func (l *Layout) IsRock(x, y int) bool {
	if x < 0 || y < 0 || x >= l.Cols || y >= l.Rows {
		return true
	}
	return l.rock[y][x]
}

// Start - центр первой комнаты, в клетках.
func (l *Layout) Start() (int, int) {
	if len(l.Rooms) == 0 {
		return 0, 0
	}
	return l.Rooms[0].Center()
}

// Obstacles переводит камень в стены. Подряд идущие клетки строки образуют
// один прямоугольник, одинаковые прямоугольники соседних строк сливаются.
func (l *Layout) Obstacles(mapID string, cellSize float64) []domain.Obstacle {
	type span struct{ x0, x1 int }
	type block struct {
		span
		y0, y1 int
	}

	var done []block
	active := make(map[span]*block)
	for y := 0; y <= l.Rows; y++ {
		next := make(map[span]*block)
		if y < l.Rows {
			for x := 0; x < l.Cols; {
				if !l.rock[y][x] {
					x++
					continue
				}
				start := x
				for x < l.Cols && l.rock[y][x] {
					x++
				}
				s := span{start, x}
				if b, ok := active[s]; ok {
					b.y1 = y + 1
					next[s] = b
				} else {
					next[s] = &block{span: s, y0: y, y1: y + 1}
				}
			}
		}
		for s, b := range active {
			if _, ok := next[s]; !ok {
				done = append(done, *b)
			}
		}
		active = next
	}

	sort.Slice(done, func(i, j int) bool {
		if done[i].y0 != done[j].y0 {
			return done[i].y0 < done[j].y0
		}
		return done[i].x0 < done[j].x0
	})

	out := make([]domain.Obstacle, 0, len(done))
	for i, b := range done {
		o := domain.DefaultObstacle(domain.KindWall)
		o.ID = fmt.Sprintf("wall-%d", i)
		o.MapID = mapID
		o.X = float64(b.x0) * cellSize
		o.Y = float64(b.y0) * cellSize
		o.Width = float64(b.x1-b.x0) * cellSize
		o.Height = float64(b.y1-b.y0) * cellSize
		out = append(out, o)
	}
	return out
}

// Torch - теплый цвет факела
var Torch = domain.Color{R: 255, G: 170, B: 90}

// Lights ставит факел в центр каждой комнаты, кроме стартовой.
// Каждый второй факел мерцает.
func (l *Layout) Lights(mapID string, cellSize float64) []domain.LightSource {
	if len(l.Rooms) < 2 {
		return nil
	}
	out := make([]domain.LightSource, 0, len(l.Rooms)-1)
	for i, room := range l.Rooms[1:] {
		cx, cy := room.Center()
		radius := float64(max(room.W, room.H)) * cellSize
		light := domain.LightSource{
			ID:          fmt.Sprintf("torch-%d", i),
			MapID:       mapID,
			Position:    geometry.Point{X: (float64(cx) + 0.5) * cellSize, Y: (float64(cy) + 0.5) * cellSize},
			Radius:      radius,
			Color:       Torch,
			Intensity:   0.8,
			CastShadows: true,
		}
		if i%2 == 1 {
			light.Flickering = true
			light.FlickerIntensity = 0.3
		}
		out = append(out, light)
	}
	return out
}

// --- Вспомогательные функции ---

func (l *Layout) carveRoom(room Rect) {
	for y := room.Y + 1; y < room.Y+room.H; y++ {
		for x := room.X + 1; x < room.X+room.W; x++ {
			l.rock[y][x] = false
		}
	}
}

func (l *Layout) carveH(x1, x2, y int) {
	for x := min(x1, x2); x <= max(x1, x2); x++ {
		l.rock[y][x] = false
	}
}

func (l *Layout) carveV(y1, y2, x int) {
	for y := min(y1, y2); y <= max(y1, y2); y++ {
		l.rock[y][x] = false
	}
}

func randRange(rng *rand.Rand, min, max int) int {
	return rng.Intn(max-min+1) + min
}
