package schema

import "time"

// State is a value held by the state store, with its write timestamp.
type State struct {
	Val any       `json:"val"`
	Ts  time.Time `json:"ts"`
	Ack bool      `json:"ack"`
}

// StateChange is delivered to subscribers when a state is written.
type StateChange struct {
	ID    string `json:"id"`
	State State  `json:"state"`
}

// ObjectType distinguishes folder-like channels from value-holding states.
type ObjectType string

const (
	ObjectChannel ObjectType = "channel"
	ObjectState   ObjectType = "state"
)

// ObjectSpec describes an output location to provision.
type ObjectSpec struct {
	ID       string     `json:"id"`
	Type     ObjectType `json:"type"`
	Name     string     `json:"name"`
	DataType OutputType `json:"data_type,omitempty"`
	Role     string     `json:"role,omitempty"`
	Unit     string     `json:"unit,omitempty"`
	Mode     Mode       `json:"mode,omitempty"`
}

// Run status values written to info.status.
const (
	StatusStarting       = "starting"
	StatusOK             = "ok"
	StatusNoItemsEnabled = "no_items_enabled"
)

// RunDiagnostics summarises one scheduler tick.
type RunDiagnostics struct {
	TickID          string    `json:"tick_id"`
	LastRun         time.Time `json:"last_run"`
	ElapsedMs       int64     `json:"elapsed_ms"`
	Evaluated       int       `json:"evaluated"`
	Failed          int       `json:"failed"`
	Skipped         int       `json:"skipped"`
	ItemsConfigured int       `json:"items_configured"`
	ItemsEnabled    int       `json:"items_enabled"`
	Status          string    `json:"status"`
	LastError       string    `json:"last_error,omitempty"`
}

// ItemDiagnostics is the per-item diagnostic record.
type ItemDiagnostics struct {
	OutputID          string     `json:"output_id"`
	CompiledOK        bool       `json:"compiled_ok"`
	CompileError      string     `json:"compile_error,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	LastOkTs          *time.Time `json:"last_ok_ts,omitempty"`
	LastEvalMs        int64      `json:"last_eval_ms"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
}
