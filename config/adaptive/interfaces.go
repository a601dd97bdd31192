package adaptive

import (
	"time"
)

// ChangeType labels what a ChangeEvent describes.
type ChangeType string

const (
	// ChangeUpdate is emitted after a snapshot swap.
	ChangeUpdate ChangeType = "update"
	// ChangeValidate is emitted when a proposed snapshot failed validation
	// and was rejected.
	ChangeValidate ChangeType = "validate"
)

// ChangeEvent describes one configuration transition. Old is always the
// snapshot that was active when the change was attempted; New is nil when
// the change was rejected.
type ChangeEvent struct {
	Type      ChangeType `json:"type"`
	Source    string     `json:"source"`
	Timestamp time.Time  `json:"timestamp"`
	Old       *Config    `json:"-"`
	New       *Config    `json:"-"`
	Success   bool       `json:"success"`
	Error     string     `json:"error,omitempty"`
}

// Reconfigurable is the capability interface for components that accept hot
// configuration reloads. Components are registered once at wiring time and
// receive every accepted snapshot; returning an error is logged by the caller
// but does not roll the snapshot back.
type Reconfigurable interface {
	// Name identifies the component in logs and health reports.
	Name() string
	// ApplyConfig installs the relevant sections of a new snapshot.
	ApplyConfig(cfg *Config) error
}
