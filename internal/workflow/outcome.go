package workflow

// Outcome is the single terminal result of a workflow. It carries text
// only because the caller just displays it.
type Outcome struct {
	OK      bool
	Message string
}

// Success builds a successful outcome
func Success(message string) Outcome {
	return Outcome{OK: true, Message: message}
}

// Failure builds a failed outcome
func Failure(message string) Outcome {
	return Outcome{OK: false, Message: message}
}

func (o Outcome) String() string {
	return o.Message
}

// Stage is a conceptual workflow state, reported to an Observer as the
// workflow advances
type Stage string

const (
	StageChecking         Stage = "checking"
	StageCreatingInstance Stage = "creating_instance"
	StageAwaitingNetwork  Stage = "awaiting_network"
	StageReady            Stage = "ready"

	StageShuttingDown     Stage = "shutting_down"
	StageAwaitingPowerOff Stage = "awaiting_power_off"
	StageSnapshotting     Stage = "snapshotting"
	StageAwaitingSnapshot Stage = "awaiting_snapshot"
	StageCleaningUp       Stage = "cleaning_up"
	StageDestroyed        Stage = "destroyed"
)

// Observer is notified when a workflow enters a stage
type Observer func(stage Stage)
