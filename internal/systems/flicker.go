package systems

import (
	"math/rand"
	"sync"
	"time"

	"vision-server/internal/domain"
	"vision-server/pkg/clock"
	"vision-server/pkg/geometry"
)

// DefaultFlickerHz - верхняя граница частоты пересэмплирования мерцания.
const DefaultFlickerHz = 10.0

type flickerState struct {
	value     float64
	base      float64
	sampledAt time.Time
}

// Flicker - ограниченное случайное блуждание яркости мерцающих источников.
//
// Каждый источник пересэмплируется не чаще maxHz: шаг ±flickerIntensity/2,
// результат клампится к [0.1, 1.0]. Часы и генератор внедряются снаружи.
type Flicker struct {
	mu          sync.Mutex
	clock       clock.Clock
	rng         *rand.Rand
	minInterval time.Duration
	states      map[string]*flickerState
}

// NewFlicker создает генератор мерцания.
func NewFlicker(maxHz float64, clk clock.Clock, rng *rand.Rand) *Flicker {
	if maxHz <= 0 || maxHz > DefaultFlickerHz {
		maxHz = DefaultFlickerHz
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(clk.Now().UnixNano()))
	}
	return &Flicker{
		clock:       clk,
		rng:         rng,
		minInterval: time.Duration(float64(time.Second) / maxHz),
		states:      make(map[string]*flickerState),
	}
}

// Sample возвращает текущую яркость источника.
func (f *Flicker) Sample(light domain.LightSource) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, _ := f.sampleLocked(light)
	return v
}

func (f *Flicker) sampleLocked(light domain.LightSource) (float64, bool) {
	if !light.Flickering {
		return light.Intensity, false
	}

	now := f.clock.Now()
	st, ok := f.states[light.ID]
	if !ok || st.base != light.Intensity {
		st = &flickerState{
			value:     geometry.Clamp(light.Intensity, domain.MinFlickerIntensity, domain.MaxFlickerIntensity),
			base:      light.Intensity,
			sampledAt: now,
		}
		f.states[light.ID] = st
		return st.value, true
	}

	// Не чаще maxHz
	if now.Sub(st.sampledAt) < f.minInterval {
		return st.value, false
	}

	half := light.FlickerIntensity / 2
	next := st.value + (f.rng.Float64()*2-1)*half
	// Блуждание не уходит дальше flickerIntensity от базовой яркости
	next = geometry.Clamp(next, st.base-light.FlickerIntensity, st.base+light.FlickerIntensity)
	next = geometry.Clamp(next, domain.MinFlickerIntensity, domain.MaxFlickerIntensity)

	changed := next != st.value
	st.value = next
	st.sampledAt = now
	return next, changed
}

// Apply возвращает копии источников с текущей яркостью мерцания.
// changed=true, если хоть одна яркость изменилась с прошлого вызова.
func (f *Flicker) Apply(lights []domain.LightSource) ([]domain.LightSource, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]domain.LightSource, len(lights))
	changed := false
	for i, l := range lights {
		v, c := f.sampleLocked(l)
		l.Intensity = v
		out[i] = l
		changed = changed || c
	}
	return out, changed
}

// Forget удаляет состояние источника (после удаления света).
func (f *Flicker) Forget(lightID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, lightID)
}
