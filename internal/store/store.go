// Package store persists per-permit status, connection details, history,
// and per-stage plans. It is the only shared mutable state in the system.
package store

import (
	"time"

	"github.com/spe-platform/workspace-orchestrator/internal/domain"
)

// HistoryEntry is one timestamped status transition, newest-first in the
// stored list.
type HistoryEntry struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the State Store's contract. Implementations must fail softly on
// corrupt stored JSON: treat it as absent and log a warning rather than
// returning an error from Get*.
type Store interface {
	SetStatus(permitID string, status domain.PermitStatus) error
	GetStatus(permitID string) (domain.PermitStatus, bool, error)

	SetConnection(permitID string, info *domain.ConnectionInfo) error
	GetConnection(permitID string) (*domain.ConnectionInfo, bool, error)

	History(permitID string) ([]HistoryEntry, error)

	SetPlan(permitID string, stage domain.Stage, plan *domain.WorkspacePlan) error
	GetPlan(permitID string, stage domain.Stage) (*domain.WorkspacePlan, bool, error)
	DeletePlan(permitID string, stage domain.Stage) error

	// ClearPermit removes every key associated with a permit: status,
	// connection, history, and every per-stage plan.
	ClearPermit(permitID string) error

	Close() error
}
