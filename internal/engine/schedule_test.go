package engine

import (
	"container/heap"
	"testing"
	"time"
)

func TestSchedule(t *testing.T) {
	pq := make(Schedule, 0)
	heap.Init(&pq)

	start := time.Unix(0, 0)
	j1 := &ScheduledJob{Kind: JobDecay, Due: start.Add(10 * time.Second)}
	j2 := &ScheduledJob{Kind: JobFlush, Due: start.Add(5 * time.Second)}
	j3 := &ScheduledJob{Kind: JobArchive, Due: start.Add(20 * time.Second)}

	heap.Push(&pq, j1)
	heap.Push(&pq, j2)
	heap.Push(&pq, j3)

	if pq.Len() != 3 {
		t.Errorf("Expected length 3, got %d", pq.Len())
	}

	// First pop should be flush (5s)
	first := heap.Pop(&pq).(*ScheduledJob)
	if first.Kind != JobFlush {
		t.Errorf("Expected flush, got %s", first.Kind)
	}

	// Decay 10s -> 30s. New Top should be archive (20s).
	pq.Update(j1, start.Add(30*time.Second))

	second := heap.Pop(&pq).(*ScheduledJob)
	if second.Kind != JobArchive {
		t.Errorf("Expected archive (20s), got %s", second.Kind)
	}

	third := heap.Pop(&pq).(*ScheduledJob)
	if third.Kind != JobDecay {
		t.Errorf("Expected decay (30s), got %s", third.Kind)
	}
}

func TestSchedule_PopDue(t *testing.T) {
	start := time.Unix(0, 0)
	var s Schedule
	s.Every(JobFlicker, 100*time.Millisecond, start)
	s.Every(JobDecay, time.Second, start)
	s.Every(JobArchive, 0, start) // не ставится

	if s.Len() != 2 {
		t.Fatalf("Expected 2 jobs, got %d", s.Len())
	}

	if due := s.PopDue(start.Add(50 * time.Millisecond)); len(due) != 0 {
		t.Errorf("Nothing is due yet, got %v", due)
	}

	// 350ms: мерцание пропустило 3 срока, но срабатывает один раз
	due := s.PopDue(start.Add(350 * time.Millisecond))
	if len(due) != 1 || due[0] != JobFlicker {
		t.Errorf("Expected single flicker, got %v", due)
	}
	if next := s[0]; next.Kind != JobFlicker || !next.Due.Equal(start.Add(400*time.Millisecond)) {
		t.Errorf("Flicker must be rescheduled to 400ms, got %s at %v", next.Kind, next.Due.Sub(start))
	}

	// 1s: мерцание (срок 400ms) раньше затухания (срок 1s)
	due = s.PopDue(start.Add(time.Second))
	if len(due) != 2 || due[0] != JobFlicker || due[1] != JobDecay {
		t.Errorf("Expected [flicker decay], got %v", due)
	}
	if s.Len() != 2 {
		t.Errorf("Periodic jobs stay in the schedule, got %d", s.Len())
	}
}
