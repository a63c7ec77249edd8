// Package clock - инжектируемый источник времени и тиков.
//
// Движок никогда не зовет time.Now/time.NewTicker напрямую: мерцание, затухание
// памяти и периодические задачи работают от Clock, а в тестах подменяются Fake.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock - источник времени.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker - аналог *time.Ticker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real - системные часы.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Fake - управляемые часы для тестов. Время двигается только через Advance.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

// NewFake создает часы, стоящие на start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{period: d, next: f.now.Add(d), ch: make(chan time.Time, 1), owner: f}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance сдвигает время и срабатывает тикеры, чей момент наступил.
// Как и у time.Ticker, пропущенные тики не копятся (буфер канала - 1).
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	active := make([]*fakeTicker, 0, len(f.tickers))
	for _, t := range f.tickers {
		if !t.stopped {
			active = append(active, t)
		}
	}
	f.tickers = active
	f.mu.Unlock()

	sort.Slice(active, func(i, j int) bool { return active[i].next.Before(active[j].next) })
	for _, t := range active {
		t.fire(now)
	}
}

// Set ставит часы на конкретное время (без срабатывания тикеров).
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

type fakeTicker struct {
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
	owner   *Fake
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	t.stopped = true
}

func (t *fakeTicker) fire(now time.Time) {
	if t.period <= 0 || now.Before(t.next) {
		return
	}
	for !t.next.After(now) {
		t.next = t.next.Add(t.period)
	}
	select {
	case t.ch <- now:
	default:
	}
}
