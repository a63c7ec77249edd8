package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"vision-server/internal/domain"
	"vision-server/pkg/geometry"
	"vision-server/pkg/logger"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const schema string = `
CREATE TABLE IF NOT EXISTS map_settings (
    map_id    TEXT PRIMARY KEY,
    ambient   REAL NOT NULL DEFAULT 0,
    width     REAL NOT NULL,
    height    REAL NOT NULL,
    cell_size REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS obstacles (
    map_id        TEXT NOT NULL,
    id            TEXT NOT NULL,
    x             REAL NOT NULL,
    y             REAL NOT NULL,
    width         REAL NOT NULL,
    height        REAL NOT NULL,
    kind          TEXT NOT NULL,
    blocks_vision INTEGER NOT NULL,
    opacity       REAL NOT NULL,
    tint          TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (map_id, id)
);
CREATE TABLE IF NOT EXISTS light_sources (
    map_id            TEXT NOT NULL,
    id                TEXT NOT NULL,
    x                 REAL NOT NULL,
    y                 REAL NOT NULL,
    radius            REAL NOT NULL,
    color             TEXT NOT NULL DEFAULT '',
    intensity         REAL NOT NULL,
    flickering        INTEGER NOT NULL DEFAULT 0,
    flicker_intensity REAL NOT NULL DEFAULT 0,
    cast_shadows      INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (map_id, id)
);
CREATE TABLE IF NOT EXISTS revealed_areas (
    map_id     TEXT NOT NULL,
    id         TEXT NOT NULL,
    shape      TEXT NOT NULL,
    x          REAL NOT NULL,
    y          REAL NOT NULL,
    radius     REAL NOT NULL DEFAULT 0,
    points     TEXT NOT NULL DEFAULT '[]',
    color      TEXT NOT NULL DEFAULT '',
    opacity    REAL NOT NULL,
    created_by TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    PRIMARY KEY (map_id, id)
);
CREATE TABLE IF NOT EXISTS memory_points (
    map_id     TEXT NOT NULL,
    viewer_id  TEXT NOT NULL,
    cell       INTEGER NOT NULL,
    x          REAL NOT NULL,
    y          REAL NOT NULL,
    radius     REAL NOT NULL,
    intensity  REAL NOT NULL,
    peak       REAL NOT NULL,
    state      TEXT NOT NULL,
    last_seen  INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (map_id, viewer_id, cell)
);
CREATE INDEX IF NOT EXISTS idx_memory_viewer ON memory_points(map_id, viewer_id);`

const (
	upsertSettingsSQL = `INSERT INTO map_settings (map_id, ambient, width, height, cell_size) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(map_id) DO UPDATE SET ambient = excluded.ambient, width = excluded.width, height = excluded.height, cell_size = excluded.cell_size`

	upsertObstacleSQL = `INSERT INTO obstacles (map_id, id, x, y, width, height, kind, blocks_vision, opacity, tint) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(map_id, id) DO UPDATE SET x = excluded.x, y = excluded.y, width = excluded.width, height = excluded.height,
  kind = excluded.kind, blocks_vision = excluded.blocks_vision, opacity = excluded.opacity, tint = excluded.tint`

	upsertLightSQL = `INSERT INTO light_sources (map_id, id, x, y, radius, color, intensity, flickering, flicker_intensity, cast_shadows) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(map_id, id) DO UPDATE SET x = excluded.x, y = excluded.y, radius = excluded.radius, color = excluded.color,
  intensity = excluded.intensity, flickering = excluded.flickering, flicker_intensity = excluded.flicker_intensity, cast_shadows = excluded.cast_shadows`

	upsertAreaSQL = `INSERT INTO revealed_areas (map_id, id, shape, x, y, radius, points, color, opacity, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(map_id, id) DO UPDATE SET shape = excluded.shape, x = excluded.x, y = excluded.y, radius = excluded.radius,
  points = excluded.points, color = excluded.color, opacity = excluded.opacity`

	// Побеждает более поздний updated_at
	upsertMemorySQL = `INSERT INTO memory_points (map_id, viewer_id, cell, x, y, radius, intensity, peak, state, last_seen, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(map_id, viewer_id, cell) DO UPDATE SET x = excluded.x, y = excluded.y, radius = excluded.radius, intensity = excluded.intensity,
  peak = excluded.peak, state = excluded.state, last_seen = excluded.last_seen, updated_at = excluded.updated_at
WHERE excluded.updated_at >= memory_points.updated_at`
)

// SQLiteStore - хранилище на modernc.org/sqlite (без cgo).
type SQLiteStore struct {
	db  *sql.DB
	log *logrus.Entry
}

// OpenSQLite открывает (и при необходимости создает) базу по DSN.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite допускает одного писателя; ":memory:" живет в пределах соединения
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &SQLiteStore{db: db, log: logger.For("sqlite_store")}
	s.log.WithField("dsn", dsn).Info("SQLite store is ready")
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadMap(ctx context.Context, mapID string) (*MapState, error) {
	state := &MapState{}

	err := s.db.QueryRowContext(ctx,
		`SELECT map_id, ambient, width, height, cell_size FROM map_settings WHERE map_id = ?`, mapID).
		Scan(&state.Settings.MapID, &state.Settings.Ambient, &state.Settings.Width, &state.Settings.Height, &state.Settings.CellSize)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if state.Obstacles, err = s.loadObstacles(ctx, mapID); err != nil {
		return nil, err
	}
	if state.Lights, err = s.loadLights(ctx, mapID); err != nil {
		return nil, err
	}
	if state.Areas, err = s.loadAreas(ctx, mapID); err != nil {
		return nil, err
	}
	if state.Memory, err = s.loadMemory(ctx, mapID); err != nil {
		return nil, err
	}
	sortState(state)
	return state, nil
}

func (s *SQLiteStore) loadObstacles(ctx context.Context, mapID string) ([]domain.Obstacle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, x, y, width, height, kind, blocks_vision, opacity, tint FROM obstacles WHERE map_id = ?`, mapID)
	if err != nil {
		return nil, fmt.Errorf("load obstacles: %w", err)
	}
	defer rows.Close()

	var out []domain.Obstacle
	for rows.Next() {
		o := domain.Obstacle{MapID: mapID}
		var kind, tint string
		if err := rows.Scan(&o.ID, &o.X, &o.Y, &o.Width, &o.Height, &kind, &o.BlocksVision, &o.Opacity, &tint); err != nil {
			return nil, fmt.Errorf("scan obstacle: %w", err)
		}
		o.Kind = domain.ObstacleKind(kind)
		if tint != "" {
			if o.Tint, err = domain.ParseColor(tint); err != nil {
				return nil, fmt.Errorf("obstacle %s tint: %w", o.ID, err)
			}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadLights(ctx context.Context, mapID string) ([]domain.LightSource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, x, y, radius, color, intensity, flickering, flicker_intensity, cast_shadows FROM light_sources WHERE map_id = ?`, mapID)
	if err != nil {
		return nil, fmt.Errorf("load lights: %w", err)
	}
	defer rows.Close()

	var out []domain.LightSource
	for rows.Next() {
		l := domain.LightSource{MapID: mapID}
		var color string
		if err := rows.Scan(&l.ID, &l.Position.X, &l.Position.Y, &l.Radius, &color, &l.Intensity, &l.Flickering, &l.FlickerIntensity, &l.CastShadows); err != nil {
			return nil, fmt.Errorf("scan light: %w", err)
		}
		if l.Color, err = domain.ParseColor(color); err != nil {
			return nil, fmt.Errorf("light %s color: %w", l.ID, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadAreas(ctx context.Context, mapID string) ([]domain.RevealedArea, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, shape, x, y, radius, points, color, opacity, created_by, created_at FROM revealed_areas WHERE map_id = ?`, mapID)
	if err != nil {
		return nil, fmt.Errorf("load areas: %w", err)
	}
	defer rows.Close()

	var out []domain.RevealedArea
	for rows.Next() {
		a := domain.RevealedArea{MapID: mapID}
		var shape, points, color string
		var createdAt int64
		if err := rows.Scan(&a.ID, &shape, &a.X, &a.Y, &a.Radius, &points, &color, &a.Opacity, &a.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan area: %w", err)
		}
		a.Shape = domain.ShapeKind(shape)
		a.CreatedAt = time.Unix(0, createdAt).UTC()
		if err := json.Unmarshal([]byte(points), &a.Points); err != nil {
			return nil, fmt.Errorf("area %s points: %w", a.ID, err)
		}
		if len(a.Points) == 0 {
			a.Points = nil
		}
		if color != "" {
			if a.Color, err = domain.ParseColor(color); err != nil {
				return nil, fmt.Errorf("area %s color: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadMemory(ctx context.Context, mapID string) ([]domain.MemoryPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT viewer_id, cell, x, y, radius, intensity, peak, state, last_seen, updated_at FROM memory_points WHERE map_id = ?`, mapID)
	if err != nil {
		return nil, fmt.Errorf("load memory: %w", err)
	}
	defer rows.Close()

	var out []domain.MemoryPoint
	for rows.Next() {
		p := domain.MemoryPoint{MapID: mapID}
		var cell, lastSeen, updatedAt int64
		var state string
		if err := rows.Scan(&p.ViewerID, &cell, &p.X, &p.Y, &p.Radius, &p.Intensity, &p.Peak, &state, &lastSeen, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan memory point: %w", err)
		}
		p.Cell = geometry.CellKey(uint64(cell))
		_ = p.State.UnmarshalText([]byte(state))
		p.LastSeen = time.Unix(0, lastSeen).UTC()
		p.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListMaps(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT map_id FROM map_settings ORDER BY map_id`)
	if err != nil {
		return nil, fmt.Errorf("list maps: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveSettings(ctx context.Context, st domain.MapSettings) error {
	if _, err := s.db.ExecContext(ctx, upsertSettingsSQL, st.MapID, st.Ambient, st.Width, st.Height, st.CellSize); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertObstacles(ctx context.Context, mapID string, obstacles []domain.Obstacle) error {
	return s.batch(ctx, "upsert obstacles", upsertObstacleSQL, len(obstacles), func(i int) []any {
		o := obstacles[i]
		return []any{mapID, o.ID, o.X, o.Y, o.Width, o.Height, string(o.Kind), o.BlocksVision, o.Opacity, o.Tint.Hex()}
	})
}

func (s *SQLiteStore) DeleteObstacles(ctx context.Context, mapID string, ids []string) error {
	return s.batch(ctx, "delete obstacles", `DELETE FROM obstacles WHERE map_id = ? AND id = ?`, len(ids), func(i int) []any {
		return []any{mapID, ids[i]}
	})
}

func (s *SQLiteStore) UpsertLights(ctx context.Context, mapID string, lights []domain.LightSource) error {
	return s.batch(ctx, "upsert lights", upsertLightSQL, len(lights), func(i int) []any {
		l := lights[i]
		return []any{mapID, l.ID, l.Position.X, l.Position.Y, l.Radius, l.Color.Hex(), l.Intensity, l.Flickering, l.FlickerIntensity, l.CastShadows}
	})
}

func (s *SQLiteStore) DeleteLights(ctx context.Context, mapID string, ids []string) error {
	return s.batch(ctx, "delete lights", `DELETE FROM light_sources WHERE map_id = ? AND id = ?`, len(ids), func(i int) []any {
		return []any{mapID, ids[i]}
	})
}

func (s *SQLiteStore) UpsertAreas(ctx context.Context, mapID string, areas []domain.RevealedArea) error {
	encoded := make([]string, len(areas))
	for i, a := range areas {
		pts := a.Points
		if pts == nil {
			pts = []geometry.Point{}
		}
		data, err := json.Marshal(pts)
		if err != nil {
			return fmt.Errorf("encode area %s points: %w", a.ID, err)
		}
		encoded[i] = string(data)
	}
	return s.batch(ctx, "upsert areas", upsertAreaSQL, len(areas), func(i int) []any {
		a := areas[i]
		return []any{mapID, a.ID, string(a.Shape), a.X, a.Y, a.Radius, encoded[i], a.Color.Hex(), a.Opacity, a.CreatedBy, a.CreatedAt.UnixNano()}
	})
}

func (s *SQLiteStore) DeleteAreas(ctx context.Context, mapID string, ids []string) error {
	return s.batch(ctx, "delete areas", `DELETE FROM revealed_areas WHERE map_id = ? AND id = ?`, len(ids), func(i int) []any {
		return []any{mapID, ids[i]}
	})
}

func (s *SQLiteStore) DeleteAllAreas(ctx context.Context, mapID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM revealed_areas WHERE map_id = ?`, mapID); err != nil {
		return fmt.Errorf("reset areas: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertMemory(ctx context.Context, mapID string, points []domain.MemoryPoint) error {
	return s.batch(ctx, "upsert memory", upsertMemorySQL, len(points), func(i int) []any {
		p := points[i]
		return []any{mapID, p.ViewerID, int64(p.Cell), p.X, p.Y, p.Radius, p.Intensity, p.Peak, p.State.String(), p.LastSeen.UnixNano(), p.UpdatedAt.UnixNano()}
	})
}

func (s *SQLiteStore) DeleteMemory(ctx context.Context, mapID string, keys []domain.MemoryKey) error {
	return s.batch(ctx, "delete memory", `DELETE FROM memory_points WHERE map_id = ? AND viewer_id = ? AND cell = ?`, len(keys), func(i int) []any {
		return []any{mapID, keys[i].ViewerID, int64(keys[i].Cell)}
	})
}

// batch выполняет один подготовленный запрос n раз в транзакции.
func (s *SQLiteStore) batch(ctx context.Context, op, query string, n int, args func(i int) []any) error {
	if n == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("%s: prepare: %w", op, err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			tx.Rollback()
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}
