package engine

import (
	"time"

	"vision-server/internal/domain"
	"vision-server/internal/engine/handlers"
	"vision-server/pkg/logger"

	"github.com/sirupsen/logrus"
)

const journalSize = 256

// JournalEntry - одна выполненная команда.
type JournalEntry struct {
	Tick     uint64    `json:"tick"`
	At       time.Time `json:"at"`
	Action   string    `json:"action"`
	CallerID string    `json:"callerId"`
	Role     string    `json:"role"`
	ID       string    `json:"id,omitempty"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	Code     string    `json:"code,omitempty"`
}

// journal - кольцевой журнал последних команд карты.
type journal struct {
	entries []JournalEntry
	next    int
	full    bool
	log     *logrus.Entry
}

func newJournal(mapID string, size int) *journal {
	return &journal{
		entries: make([]JournalEntry, size),
		log:     logger.For("map_log").WithField("map_id", mapID),
	}
}

// record добавляет запись в журнал и пишет ее в лог
func (j *journal) record(tick uint64, at time.Time, cmd domain.InternalCommand, res handlers.Result, err error) {
	e := JournalEntry{
		Tick:     tick,
		At:       at,
		Action:   cmd.Action.String(),
		CallerID: cmd.Actor.CallerID,
		Role:     string(cmd.Actor.Role),
		ID:       res.ID,
		Message:  res.Msg,
	}
	fields := logrus.Fields{
		"tick":      tick,
		"action":    e.Action,
		"caller_id": e.CallerID,
		"role":      e.Role,
	}
	if err != nil {
		e.Error = err.Error()
		e.Code = domain.ErrorCode(err)
		j.log.WithFields(fields).WithField("code", e.Code).WithError(err).Warn("Command rejected")
	} else if res.Msg != "" {
		j.log.WithFields(fields).Info(res.Msg)
	} else {
		j.log.WithFields(fields).Debug("Command applied")
	}

	j.entries[j.next] = e
	j.next = (j.next + 1) % len(j.entries)
	if j.next == 0 {
		j.full = true
	}
}

// list возвращает записи от старых к новым.
func (j *journal) list() []JournalEntry {
	if !j.full {
		return append([]JournalEntry(nil), j.entries[:j.next]...)
	}
	out := make([]JournalEntry, 0, len(j.entries))
	out = append(out, j.entries[j.next:]...)
	return append(out, j.entries[:j.next]...)
}
