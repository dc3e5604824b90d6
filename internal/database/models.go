package database

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"drummond-analytics/internal/market"
)

// RunStatus is the terminal status of one prediction run.
type RunStatus string

const (
	RunSuccess RunStatus = "SUCCESS"
	RunPartial RunStatus = "PARTIAL"
	RunFailed  RunStatus = "FAILED"
)

// RunLatency breaks a run's wall time into pipeline stages, in milliseconds.
type RunLatency struct {
	TotalMS            int64 `json:"total_ms"`
	DataFetchMS        int64 `json:"data_fetch_ms"`
	IndicatorCalcMS    int64 `json:"indicator_calc_ms"`
	SignalGenerationMS int64 `json:"signal_generation_ms"`
	NotificationMS     int64 `json:"notification_ms"`
}

// PredictionRun is one scheduler cycle's persisted record.
type PredictionRun struct {
	RunID            uuid.UUID
	RunTS            time.Time
	Interval         market.Interval
	SymbolsRequested int
	SymbolsProcessed int
	SignalsGenerated int
	Latency          RunLatency
	Status           RunStatus
	Errors           []string
}

// SchedulerStatus is the singleton scheduler state machine value.
type SchedulerStatus string

const (
	SchedulerIdle    SchedulerStatus = "IDLE"
	SchedulerRunning SchedulerStatus = "RUNNING"
	SchedulerStopped SchedulerStatus = "STOPPED"
	SchedulerError   SchedulerStatus = "ERROR"
)

// SchedulerState mirrors the scheduler_state singleton row.
type SchedulerState struct {
	LastRunTS        *time.Time
	NextScheduledRun *time.Time
	Status           SchedulerStatus
	CurrentRunID     *uuid.UUID
	ErrorMessage     string
	UpdatedAt        time.Time
}

// StorageError wraps a persistence failure that survived the bounded retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
