package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vision-server/internal/infrastructure/archive"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		return
	}

	switch os.Args[1] {
	case "inspect":
		if len(os.Args) < 3 {
			fmt.Println("Usage: snapinspect inspect <file.vssn>")
			return
		}
		if err := inspect(os.Args[2]); err != nil {
			fmt.Printf("Invalid snapshot: %v\n", err)
			os.Exit(1)
		}
	case "list":
		if len(os.Args) < 4 {
			fmt.Println("Usage: snapinspect list <dir> <map_id>")
			return
		}
		if err := list(os.Args[2], os.Args[3]); err != nil {
			fmt.Printf("List failed: %v\n", err)
			os.Exit(1)
		}
	case "time":
		if len(os.Args) < 3 {
			fmt.Println("Usage: snapinspect time <key>")
			return
		}
		t, err := takenAt(os.Args[2])
		if err != nil {
			fmt.Printf("Invalid key: %v\n", err)
			return
		}
		fmt.Println(t.Format(time.RFC3339))
	default:
		printHelp()
	}
}

func inspect(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	snap, err := archive.Decode(f)
	if err != nil {
		return err
	}
	st := snap.State
	fmt.Printf("map:       %s\n", snap.MapID)
	fmt.Printf("taken at:  %s\n", snap.TakenAt.UTC().Format(time.RFC3339))
	fmt.Printf("size:      %.0fx%.0f (cell %.2f), ambient %.2f\n",
		st.Settings.Width, st.Settings.Height, st.Settings.CellSize, st.Settings.Ambient)
	fmt.Printf("obstacles: %d\n", len(st.Obstacles))
	fmt.Printf("lights:    %d\n", len(st.Lights))
	fmt.Printf("areas:     %d\n", len(st.Areas))

	// Память по наблюдателям
	perViewer := make(map[string]int)
	for _, p := range st.Memory {
		perViewer[p.ViewerID]++
	}
	fmt.Printf("memory:    %d points, %d viewers\n", len(st.Memory), len(perViewer))
	for id, n := range perViewer {
		fmt.Printf("  %-20s %d\n", id, n)
	}
	return nil
}

func list(dir, mapID string) error {
	a, err := archive.NewDirArchive(dir)
	if err != nil {
		return err
	}
	keys, err := a.List(context.Background(), mapID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		t, _ := takenAt(key)
		fmt.Printf("%s  %s\n", key, t.UTC().Format(time.RFC3339))
	}
	return nil
}

// takenAt - время снимка из имени ключа (<unix>.vssn).
func takenAt(key string) (time.Time, error) {
	name := strings.TrimSuffix(filepath.Base(key), archive.Extension)
	ts, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(ts, 0), nil
}

func printHelp() {
	fmt.Println(`Snapshot Inspector - просмотр архивных снимков карт (.vssn)
Commands:
  inspect <file.vssn>    - заголовок и состав снимка
  list <dir> <map_id>    - снимки карты в локальном архиве
  time <key>             - время снимка по ключу snapshots/<map>/<unix>.vssn`)
}
