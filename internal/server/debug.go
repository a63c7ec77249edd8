package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"vision-server/internal/engine"
	syncer "vision-server/internal/sync"

	"github.com/gorilla/mux"
)

// DebugHandler предоставляет доступ к внутреннему состоянию карт
type DebugHandler struct {
	Service *engine.MapService
	Sync    *syncer.Synchronizer
}

func NewDebugHandler(s *engine.MapService, sync *syncer.Synchronizer) *DebugHandler {
	return &DebugHandler{Service: s, Sync: sync}
}

// RegisterRoutes регистрирует debug-эндпоинты
func (h *DebugHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/debug/maps", h.handleListMaps).Methods(http.MethodGet)
	r.HandleFunc("/debug/maps/{mapID}/memory", h.handleMemory).Methods(http.MethodGet)
	r.HandleFunc("/debug/maps/{mapID}/journal", h.handleJournal).Methods(http.MethodGet)
	r.HandleFunc("/debug/sync", h.handleSync).Methods(http.MethodGet)
	r.HandleFunc("/debug/archive", h.handleArchive).Methods(http.MethodPost)
}

// /debug/maps - запущенные карты, наблюдатели и статистика кэша
func (h *DebugHandler) handleListMaps(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	summary := make([]engine.InstanceStatus, 0)
	for _, id := range h.Service.List() {
		inst, ok := h.Service.Get(id)
		if !ok {
			continue
		}
		st, err := inst.Status(ctx)
		if err != nil {
			// Карта останавливается - пропускаем
			continue
		}
		summary = append(summary, st)
	}
	writeJSON(w, summary)
}

// /debug/maps/{mapID}/memory?viewer=p1 - точки памяти наблюдателя
func (h *DebugHandler) handleMemory(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.Service.Get(mux.Vars(r)["mapID"])
	if !ok {
		http.Error(w, "Map not found or not active", http.StatusNotFound)
		return
	}
	viewerID := r.URL.Query().Get("viewer")
	if viewerID == "" {
		http.Error(w, "viewer query parameter is required", http.StatusBadRequest)
		return
	}
	points, err := inst.MemoryOf(r.Context(), viewerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, points)
}

// /debug/maps/{mapID}/journal - последние команды карты
func (h *DebugHandler) handleJournal(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.Service.Get(mux.Vars(r)["mapID"])
	if !ok {
		http.Error(w, "Map not found or not active", http.StatusNotFound)
		return
	}
	entries, err := inst.Journal(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, entries)
}

// /debug/sync - счетчики синхронизатора
func (h *DebugHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	if h.Sync == nil {
		http.Error(w, "Synchronizer is not configured", http.StatusNotFound)
		return
	}
	writeJSON(w, struct {
		Origin  string       `json:"origin"`
		Pending int          `json:"pending"`
		Stats   syncer.Stats `json:"stats"`
	}{h.Sync.Origin(), h.Sync.Pending(), h.Sync.Stats()})
}

// POST /debug/archive - внеочередной снимок всех карт
func (h *DebugHandler) handleArchive(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Service.ArchiveAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, keys)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")

	// Пустой список отдаем как [], а не null
	if data == nil {
		w.Write([]byte("[]"))
		return
	}

	json.NewEncoder(w).Encode(data)
}
