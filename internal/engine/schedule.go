package engine

import (
	"container/heap"
	"time"
)

// JobKind - периодическая задача карты.
type JobKind uint8

const (
	JobDecay   JobKind = iota // затухание памяти
	JobFlicker                // пересэмплирование мерцания
	JobFlush                  // отправка накопленных изменений памяти
	JobArchive                // снимок карты в архив
)

func (k JobKind) String() string {
	switch k {
	case JobDecay:
		return "decay"
	case JobFlicker:
		return "flicker"
	case JobFlush:
		return "flush"
	case JobArchive:
		return "archive"
	}
	return "unknown"
}

// ScheduledJob обертка для элемента очереди приоритетов
type ScheduledJob struct {
	Kind  JobKind
	Due   time.Time     // Приоритет. Чем раньше, тем раньше выполняется.
	Every time.Duration // Период. 0 - разовая задача.
	Index int           // Индекс в куче (нужен для update)
}

// Schedule реализует heap.Interface и хранит ScheduledJob
type Schedule []*ScheduledJob

func (s Schedule) Len() int { return len(s) }

func (s Schedule) Less(i, j int) bool {
	// MinHeap по времени; при равенстве - по виду, чтобы порядок был детерминированным
	if s[i].Due.Equal(s[j].Due) {
		return s[i].Kind < s[j].Kind
	}
	return s[i].Due.Before(s[j].Due)
}

func (s Schedule) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
	s[i].Index = i
	s[j].Index = j
}

func (s *Schedule) Push(x interface{}) {
	n := len(*s)
	item := x.(*ScheduledJob)
	item.Index = n
	*s = append(*s, item)
}

func (s *Schedule) Pop() interface{} {
	old := *s
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // избегаем утечки памяти
	item.Index = -1 // для безопасности
	*s = old[0 : n-1]
	return item
}

// Update изменяет время выполнения задачи
func (s *Schedule) Update(item *ScheduledJob, due time.Time) {
	item.Due = due
	heap.Fix(s, item.Index)
}

// Every ставит периодическую задачу. Период <= 0 - задача не ставится.
func (s *Schedule) Every(kind JobKind, every time.Duration, now time.Time) {
	if every <= 0 {
		return
	}
	heap.Push(s, &ScheduledJob{Kind: kind, Due: now.Add(every), Every: every})
}

// PopDue возвращает задачи, чей срок наступил, в порядке срока.
// Периодические задачи переставляются на следующий срок после now:
// пропущенные запуски не копятся.
func (s *Schedule) PopDue(now time.Time) []JobKind {
	var due []JobKind
	for s.Len() > 0 {
		next := (*s)[0]
		if next.Due.After(now) {
			break
		}
		due = append(due, next.Kind)
		if next.Every <= 0 {
			heap.Pop(s)
			continue
		}
		at := next.Due
		for !at.After(now) {
			at = at.Add(next.Every)
		}
		s.Update(next, at)
	}
	return due
}
