package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"vision-server/internal/domain"
)

// Archive хранит снимки карт.
type Archive interface {
	// Put сохраняет снимок и возвращает его ключ.
	Put(ctx context.Context, s *Snapshot) (string, error)
	// Latest - последний снимок карты.
	Latest(ctx context.Context, mapID string) (*Snapshot, error)
	// List - ключи снимков карты по возрастанию времени.
	List(ctx context.Context, mapID string) ([]string, error)
}

// ObjectKey - ключ снимка: snapshots/<map>/<unix>.vssn
func ObjectKey(s *Snapshot) string {
	return path.Join("snapshots", s.MapID, fmt.Sprintf("%d%s", s.TakenAt.Unix(), Extension))
}

func mapPrefix(mapID string) string {
	return path.Join("snapshots", mapID) + "/"
}

// sortKeys упорядочивает ключи по времени снимка (имя файла - unix-время).
func sortKeys(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := path.Base(keys[i]), path.Base(keys[j])
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})
}

// DirArchive хранит снимки в локальной папке (dev и тесты).
type DirArchive struct {
	SaveDir string
}

func NewDirArchive(dir string) (*DirArchive, error) {
	// Создаем папку если нет
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &DirArchive{SaveDir: dir}, nil
}

func (a *DirArchive) Put(ctx context.Context, s *Snapshot) (string, error) {
	key := ObjectKey(s)
	full := filepath.Join(a.SaveDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := Encode(&buf, s); err != nil {
		return "", err
	}
	// Пишем во временный файл и переименовываем, чтобы не оставить обрезанный снимок
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, full); err != nil {
		return "", err
	}
	return key, nil
}

func (a *DirArchive) List(ctx context.Context, mapID string) ([]string, error) {
	dir := filepath.Join(a.SaveDir, filepath.FromSlash(mapPrefix(mapID)))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		keys = append(keys, mapPrefix(mapID)+e.Name())
	}
	sortKeys(keys)
	return keys, nil
}

func (a *DirArchive) Latest(ctx context.Context, mapID string) (*Snapshot, error) {
	keys, err := a.List(ctx, mapID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, &domain.NotFoundError{Kind: "snapshot", ID: mapID}
	}
	f, err := os.Open(filepath.Join(a.SaveDir, filepath.FromSlash(keys[len(keys)-1])))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}
