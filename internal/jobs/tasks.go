package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/Proton-105/fuel-control/internal/domain"
)

const (
	TaskTypeLedgerPersist   = "ledger:persist"
	TaskTypeLedgerUnpersist = "ledger:unpersist"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// LedgerPersistPayload carries one optimistically applied ledger entry plus
// the balance it produced. The pair is written remotely as one logical unit.
type LedgerPersistPayload struct {
	Entry      domain.LedgerEntry `json:"entry"`
	NewBalance decimal.Decimal    `json:"new_balance"`
}

// LedgerUnpersistPayload reverses an entry remotely as part of an undo.
type LedgerUnpersistPayload struct {
	EntryID    string          `json:"entry_id"`
	PilotID    domain.PilotID  `json:"pilot_id"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// NewLedgerPersistTask builds the persist task for a freshly applied entry.
// Money goes on the critical queue.
func NewLedgerPersistTask(entry domain.LedgerEntry, newBalance decimal.Decimal) (*asynq.Task, error) {
	payload, err := json.Marshal(LedgerPersistPayload{Entry: entry, NewBalance: newBalance})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(TaskTypeLedgerPersist, payload, asynq.Queue(QueueCritical)), nil
}

// NewLedgerUnpersistTask builds the remote-reversal task for an undo.
func NewLedgerUnpersistTask(entryID string, pilotID domain.PilotID, newBalance decimal.Decimal) (*asynq.Task, error) {
	payload, err := json.Marshal(LedgerUnpersistPayload{EntryID: entryID, PilotID: pilotID, NewBalance: newBalance})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(TaskTypeLedgerUnpersist, payload, asynq.Queue(QueueCritical)), nil
}
