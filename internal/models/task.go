package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the persisted lifecycle state of a task. The integer values are
// the on-disk representation and must not change.
type Status int

const (
	StatusFailed    Status = -1
	StatusQueued    Status = 0
	StatusRunning   Status = 1
	StatusSucceeded Status = 2
)

var ErrInvalidTransition = errors.New("invalid task status transition")

var statusNames = map[Status]string{
	StatusFailed:    "failed",
	StatusQueued:    "queued",
	StatusRunning:   "running",
	StatusSucceeded: "succeeded",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ParseStatus accepts either the numeric code ("0", "-1") or the name ("queued").
func ParseStatus(value string) (Status, error) {
	value = strings.TrimSpace(value)
	if n, err := strconv.Atoi(value); err == nil {
		s := Status(n)
		if !s.Valid() {
			return 0, fmt.Errorf("unknown status code %d", n)
		}
		return s, nil
	}
	lower := strings.ToLower(value)
	for s, name := range statusNames {
		if name == lower {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", value)
}

// Params is the argument bag handed verbatim to a task's handler.
type Params map[string]any

// Value implements driver.Valuer so Params can be bound to a JSON column.
func (p Params) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (p *Params) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = Params{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan params: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*p = Params{}
		return nil
	}
	out := Params{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("scan params: %w", err)
	}
	*p = out
	return nil
}

type Task struct {
	ID         int64      `db:"id" json:"id"`
	Service    string     `db:"service" json:"service"`
	Method     string     `db:"method" json:"method"`
	Params     Params     `db:"params" json:"params"`
	Status     Status     `db:"status" json:"status"`
	GroupCode  string     `db:"group_code" json:"group_code"`
	Priority   int        `db:"priority" json:"priority"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	StartedAt  *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	RunAfter   *time.Time `db:"run_after" json:"run_after,omitempty"`
	LastError  *string    `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt  *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// Start moves a task picked up by a poll to running. Polls may target any
// status, including tasks left running by a crashed run, so every state is
// accepted. The previous outcome is cleared.
func (t *Task) Start(now time.Time) {
	t.Status = StatusRunning
	t.StartedAt = &now
	t.FinishedAt = nil
	t.LastError = nil
}

func (t *Task) Succeed(now time.Time) error {
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusSucceeded)
	}
	t.Status = StatusSucceeded
	t.FinishedAt = &now
	t.LastError = nil
	return nil
}

func (t *Task) Fail(now time.Time, message string) error {
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusFailed)
	}
	t.Status = StatusFailed
	t.FinishedAt = &now
	t.LastError = &message
	return nil
}

// Eligible reports whether the task would be returned by a poll for the given
// status and group at time now.
func (t *Task) Eligible(status Status, group string, now time.Time) bool {
	if t.Status != status || t.GroupCode != group {
		return false
	}
	return t.RunAfter == nil || !t.RunAfter.After(now)
}

// Clone returns a deep copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Params != nil {
		cp.Params = make(Params, len(t.Params))
		for k, v := range t.Params {
			cp.Params[k] = v
		}
	}
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.FinishedAt = cloneTime(t.FinishedAt)
	cp.RunAfter = cloneTime(t.RunAfter)
	cp.UpdatedAt = cloneTime(t.UpdatedAt)
	if t.LastError != nil {
		msg := *t.LastError
		cp.LastError = &msg
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
