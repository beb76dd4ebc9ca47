package provision

import (
	"time"

	"github.com/geobc/provisioner/lib/spec"
	"github.com/geobc/provisioner/lib/verify"
)

// Build status constants. Terminal states are never overwritten.
const (
	StatusPending   = "pending"
	StatusBuilding  = "building"
	StatusVerifying = "verifying"
	StatusReady     = "ready"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Build is one provisioning run.
type Build struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	QueuePosition *int       `json:"queue_position,omitempty"`
	Spec          *spec.Spec `json:"spec"`
	Error         *string    `json:"error,omitempty"`
	Result        *Result    `json:"result,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
}

// Result is the immutable record of a successful provisioning run: what
// was produced and the configuration baked into it. It is attached to the
// build rather than held as ambient state.
type Result struct {
	ImageRef     string            `json:"image_ref"`
	Digest       string            `json:"digest"`
	BaseImage    string            `json:"base_image"` // digest-pinned canonical ref
	Env          map[string]string `json:"env"`
	WorkingDir   string            `json:"working_dir"`
	Builder      string            `json:"builder"`
	Verification *verify.Report    `json:"verification,omitempty"`
}
