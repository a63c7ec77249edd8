package dungeon

import (
	"reflect"
	"testing"
)

func TestGenerate(t *testing.T) {
	l, err := Generate(42, 40, 25)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// 1. Проверка размеров
	if l.Cols != 40 || l.Rows != 25 {
		t.Errorf("Expected layout 40x25, got %dx%d", l.Cols, l.Rows)
	}
	if len(l.Rooms) == 0 {
		t.Fatal("No rooms generated")
	}

	// 2. Старт не в камне
	x, y := l.Start()
	if l.IsRock(x, y) {
		t.Errorf("Start position [%d,%d] is inside rock!", x, y)
	}

	// 3. Края карты всегда камень
	for x := 0; x < l.Cols; x++ {
		if !l.IsRock(x, 0) || !l.IsRock(x, l.Rows-1) {
			t.Fatalf("Border cell at column %d is open", x)
		}
	}
	if !l.IsRock(-1, 5) {
		t.Error("Cells outside the layout must be rock")
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	a, _ := Generate(7, 30, 30)
	b, _ := Generate(7, 30, 30)
	if !reflect.DeepEqual(a, b) {
		t.Error("Same seed must produce the same layout")
	}
	if SeedFor("m1", 7) == SeedFor("m2", 7) {
		t.Error("Different maps must get different seeds")
	}
}

func TestGenerate_TooSmall(t *testing.T) {
	if _, err := Generate(1, 5, 5); err == nil {
		t.Error("Expected error for a tiny map")
	}
}

// Стены покрывают ровно камень: центр каждой клетки внутри стены тогда и только тогда, когда клетка - камень
func TestLayout_ObstaclesCoverRock(t *testing.T) {
	const cell = 2.0
	l, err := Generate(3, 32, 20)
	if err != nil {
		t.Fatal(err)
	}
	walls := l.Obstacles("m1", cell)
	if len(walls) == 0 {
		t.Fatal("No walls produced")
	}

	seen := make(map[string]bool)
	for _, w := range walls {
		if seen[w.ID] {
			t.Fatalf("Duplicate wall id %s", w.ID)
		}
		seen[w.ID] = true
		if w.MapID != "m1" || !w.BlocksVision {
			t.Fatalf("Unexpected wall %+v", w)
		}
		if err := w.Validate(); err != nil {
			t.Fatalf("Invalid wall %s: %v", w.ID, err)
		}
	}

	for y := 0; y < l.Rows; y++ {
		for x := 0; x < l.Cols; x++ {
			cx, cy := (float64(x)+0.5)*cell, (float64(y)+0.5)*cell
			covered := 0
			for _, w := range walls {
				if cx > w.X && cx < w.X+w.Width && cy > w.Y && cy < w.Y+w.Height {
					covered++
				}
			}
			if l.IsRock(x, y) && covered != 1 {
				t.Fatalf("Rock cell [%d,%d] covered %d times", x, y, covered)
			}
			if !l.IsRock(x, y) && covered != 0 {
				t.Fatalf("Open cell [%d,%d] is inside a wall", x, y)
			}
		}
	}
}

func TestLayout_Lights(t *testing.T) {
	l, err := Generate(11, 60, 40)
	if err != nil {
		t.Fatal(err)
	}
	lights := l.Lights("m1", 1)
	if len(lights) != len(l.Rooms)-1 {
		t.Fatalf("Expected %d torches, got %d", len(l.Rooms)-1, len(lights))
	}
	for _, light := range lights {
		if err := light.Validate(); err != nil {
			t.Errorf("Invalid torch %s: %v", light.ID, err)
		}
		if l.IsRock(int(light.Position.X), int(light.Position.Y)) {
			t.Errorf("Torch %s is inside rock", light.ID)
		}
	}
}

// Тест вспомогательной функции пересечения комнат
func TestRect_Intersects(t *testing.T) {
	r1 := Rect{0, 0, 10, 10}
	r2 := Rect{5, 5, 10, 10} // Пересекается
	r3 := Rect{20, 20, 5, 5} // Не пересекается

	if !r1.Intersects(r2) {
		t.Error("Rects should intersect")
	}

	if r1.Intersects(r3) {
		t.Error("Rects should NOT intersect")
	}
}
