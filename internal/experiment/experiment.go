package experiment

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status tracks an experiment through its lifecycle.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the experiment can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrInvalidTransition is returned when a lifecycle change is not
// allowed from the current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// Experiment is one A/B/n test on a campaign: a control, one or more
// treatments, and the traffic split between them. Allocation entries
// follow Variants() order, control first.
type Experiment struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	CampaignID       string     `json:"campaign_id"`
	ControlID        string     `json:"control_id"`
	Treatments       []string   `json:"treatments"`
	Allocation       []int      `json:"allocation"`
	PrimaryMetric    string     `json:"primary_metric"`
	GuardrailMetrics []string   `json:"guardrail_metrics"`
	Status           Status     `json:"status"`
	Winner           string     `json:"winner,omitempty"`
	FeatureFlagID    string     `json:"feature_flag_id,omitempty"`
	CreatedBy        string     `json:"created_by"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

// New builds a draft experiment. An empty controlID defaults to
// "control", a nil allocation defaults to an equal split across all
// variants.
func New(name, campaignID, controlID string, treatments []string, allocation []int) (*Experiment, error) {
	if name == "" {
		return nil, errors.New("experiment name is required")
	}
	if controlID == "" {
		controlID = "control"
	}
	if len(treatments) == 0 {
		return nil, errors.New("at least one treatment variant is required")
	}
	seen := map[string]bool{controlID: true}
	for _, id := range treatments {
		if id == "" {
			return nil, errors.New("variant ids must not be empty")
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate variant id %q", id)
		}
		seen[id] = true
	}

	variants := 1 + len(treatments)
	if allocation == nil {
		allocation = EqualSplit(variants)
	}
	if err := ValidateAllocation(allocation, variants); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Experiment{
		ID:               uuid.NewString(),
		Name:             name,
		CampaignID:       campaignID,
		ControlID:        controlID,
		Treatments:       append([]string(nil), treatments...),
		Allocation:       append([]int(nil), allocation...),
		PrimaryMetric:    "conversion_rate",
		GuardrailMetrics: []string{"unsubscribe_rate", "complaint_rate"},
		Status:           StatusDraft,
		CreatedBy:        "system",
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Variants returns every variant id, control first.
func (e *Experiment) Variants() []string {
	return append([]string{e.ControlID}, e.Treatments...)
}

// HasVariant reports whether id names the control or a treatment.
func (e *Experiment) HasVariant(id string) bool {
	if id == e.ControlID {
		return true
	}
	for _, t := range e.Treatments {
		if t == id {
			return true
		}
	}
	return false
}

// Start moves a draft experiment into the active state.
func (e *Experiment) Start() error {
	if e.Status != StatusDraft {
		return fmt.Errorf("%w: cannot start a %s experiment", ErrInvalidTransition, e.Status)
	}
	now := time.Now().UTC()
	e.Status = StatusActive
	e.StartedAt = &now
	e.UpdatedAt = now
	return nil
}

// Pause suspends an active experiment.
func (e *Experiment) Pause() error {
	if e.Status != StatusActive {
		return fmt.Errorf("%w: cannot pause a %s experiment", ErrInvalidTransition, e.Status)
	}
	e.Status = StatusPaused
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// Resume reactivates a paused experiment.
func (e *Experiment) Resume() error {
	if e.Status != StatusPaused {
		return fmt.Errorf("%w: cannot resume a %s experiment", ErrInvalidTransition, e.Status)
	}
	e.Status = StatusActive
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete finishes the experiment. The winner may be empty when the
// experiment expires without a significant result; otherwise it must
// name an existing variant.
func (e *Experiment) Complete(winner string) error {
	if e.Status != StatusActive && e.Status != StatusPaused {
		return fmt.Errorf("%w: cannot complete a %s experiment", ErrInvalidTransition, e.Status)
	}
	if winner != "" && !e.HasVariant(winner) {
		return fmt.Errorf("winner %q is not a variant of experiment %q", winner, e.Name)
	}
	now := time.Now().UTC()
	e.Status = StatusCompleted
	e.Winner = winner
	e.EndedAt = &now
	e.UpdatedAt = now
	return nil
}

// Fail ends the experiment after a guardrail violation or operational
// abort. Failed experiments never carry a winner.
func (e *Experiment) Fail() error {
	if e.Status != StatusActive && e.Status != StatusPaused {
		return fmt.Errorf("%w: cannot fail a %s experiment", ErrInvalidTransition, e.Status)
	}
	now := time.Now().UTC()
	e.Status = StatusFailed
	e.Winner = ""
	e.EndedAt = &now
	e.UpdatedAt = now
	return nil
}
