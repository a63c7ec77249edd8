// Package archive - бинарные снимки карты и их хранение в объектном хранилище.
//
// Формат .vssn:
//
//	FileHeader (фиксированный, little endian)
//	MapID (MapIDLen байт)
//	MemoryCount x { MemoryRecord, ViewerID (ViewerLen байт) }
//	JSON-блоб с настройками, областями, светом и препятствиями (BlobLen байт)
package archive

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"vision-server/internal/domain"
	"vision-server/internal/infrastructure/storage"
	"vision-server/pkg/geometry"
)

const (
	MagicHeader string = `VSSN` // 4 байта
	Version1    uint32 = 1
	Extension          = ".vssn"
)

// FileHeader - точное представление заголовка файла в памяти.
// binary.Write пишет его целиком: тут только массивы и числа.
type FileHeader struct {
	Magic       [4]byte // 4
	Version     uint32  // 4
	TakenAt     int64   // 8, unix nano
	MapIDLen    uint16  // 2
	MemoryCount uint32  // 4
	BlobLen     uint32  // 4
}

// MemoryRecord - заголовок каждой точки памяти.
type MemoryRecord struct {
	Cell      uint64
	X, Y      float64
	Radius    float64
	Intensity float64
	Peak      float64
	LastSeen  int64
	UpdatedAt int64
	State     uint8
	ViewerLen uint8
}

// blob - часть снимка, которая пишется как JSON.
type blob struct {
	Settings  domain.MapSettings    `json:"settings"`
	Areas     []domain.RevealedArea `json:"areas"`
	Lights    []domain.LightSource  `json:"lights"`
	Obstacles []domain.Obstacle     `json:"obstacles"`
}

// Snapshot - снимок карты на момент TakenAt.
type Snapshot struct {
	MapID   string
	TakenAt time.Time
	State   storage.MapState
}

// Encode пишет снимок в w.
func Encode(w io.Writer, s *Snapshot) error {
	mapID := []byte(s.MapID)
	if len(mapID) > math.MaxUint16 {
		return fmt.Errorf("map id too long: %d", len(mapID))
	}
	body, err := json.Marshal(blob{
		Settings:  s.State.Settings,
		Areas:     s.State.Areas,
		Lights:    s.State.Lights,
		Obstacles: s.State.Obstacles,
	})
	if err != nil {
		return fmt.Errorf("failed to encode blob: %w", err)
	}

	bw := bufio.NewWriter(w)

	// 1. Глобальный заголовок
	header := FileHeader{
		Version:     Version1,
		TakenAt:     s.TakenAt.UnixNano(),
		MapIDLen:    uint16(len(mapID)),
		MemoryCount: uint32(len(s.State.Memory)),
		BlobLen:     uint32(len(body)),
	}
	copy(header.Magic[:], MagicHeader)
	if err := binary.Write(bw, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := bw.Write(mapID); err != nil {
		return err
	}

	// 2. Точки памяти
	for _, p := range s.State.Memory {
		viewer := []byte(p.ViewerID)
		if len(viewer) > math.MaxUint8 {
			return fmt.Errorf("viewer id too long: %d", len(viewer))
		}
		rec := MemoryRecord{
			Cell:      uint64(p.Cell),
			X:         p.X,
			Y:         p.Y,
			Radius:    p.Radius,
			Intensity: p.Intensity,
			Peak:      p.Peak,
			LastSeen:  p.LastSeen.UnixNano(),
			UpdatedAt: p.UpdatedAt.UnixNano(),
			State:     uint8(p.State),
			ViewerLen: uint8(len(viewer)),
		}
		if err := binary.Write(bw, binary.LittleEndian, &rec); err != nil {
			return err
		}
		if _, err := bw.Write(viewer); err != nil {
			return err
		}
	}

	// 3. Остальное
	if _, err := bw.Write(body); err != nil {
		return err
	}
	return bw.Flush()
}

// Decode читает снимок из r.
func Decode(r io.Reader) (*Snapshot, error) {
	// 1. Читаем заголовок целиком
	var header FileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Валидация
	if string(header.Magic[:]) != MagicHeader {
		return nil, fmt.Errorf("invalid magic")
	}
	if header.Version != Version1 {
		return nil, fmt.Errorf("unsupported version: %d (expected %d)", header.Version, Version1)
	}

	mapID := make([]byte, header.MapIDLen)
	if _, err := io.ReadFull(r, mapID); err != nil {
		return nil, fmt.Errorf("failed to read map id: %w", err)
	}
	s := &Snapshot{
		MapID:   string(mapID),
		TakenAt: time.Unix(0, header.TakenAt).UTC(),
	}

	// 2. Точки памяти
	if header.MemoryCount > 0 {
		s.State.Memory = make([]domain.MemoryPoint, header.MemoryCount)
	}
	for i := range s.State.Memory {
		var rec MemoryRecord
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return nil, fmt.Errorf("failed to read memory record %d: %w", i, err)
		}
		viewer := make([]byte, rec.ViewerLen)
		if _, err := io.ReadFull(r, viewer); err != nil {
			return nil, fmt.Errorf("failed to read viewer id: %w", err)
		}
		s.State.Memory[i] = domain.MemoryPoint{
			MapID:     s.MapID,
			ViewerID:  string(viewer),
			Cell:      geometry.CellKey(rec.Cell),
			X:         rec.X,
			Y:         rec.Y,
			Radius:    rec.Radius,
			Intensity: rec.Intensity,
			Peak:      rec.Peak,
			State:     domain.MemoryState(rec.State),
			LastSeen:  time.Unix(0, rec.LastSeen).UTC(),
			UpdatedAt: time.Unix(0, rec.UpdatedAt).UTC(),
		}
	}

	// 3. JSON-блоб
	body := make([]byte, header.BlobLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	var b blob
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to decode blob: %w", err)
	}
	s.State.Settings = b.Settings
	s.State.Areas = b.Areas
	s.State.Lights = b.Lights
	s.State.Obstacles = b.Obstacles
	return s, nil
}
