package model

import "time"

// RunTrigger identifies what started a reconciliation run.
type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
)

// RunStatus is the lifecycle state of a reconciliation run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
)

// Run is the persisted summary of one reconciliation pass over all vehicles.
type Run struct {
	ID         string     `json:"id"`
	Trigger    RunTrigger `json:"trigger"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	VehiclesChecked int `json:"vehicles_checked"`
	VehiclesFailed  int `json:"vehicles_failed"`
	NewFines        int `json:"new_fines"`
	PaidFines       int `json:"paid_fines"`
}
