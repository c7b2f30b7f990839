// Package delivery builds, signs and transmits outbound messages to remote
// peers and tracks the outcome of every attempt.
package delivery

import (
	"context"
	"fmt"
)

// Command names the reason a delivery job exists.
type Command string

const (
	CommandMail          Command = "mail"
	CommandSuggest       Command = "suggest"
	CommandRelocate      Command = "relocate"
	CommandDrop          Command = "drop"
	CommandWallNew       Command = "wall-new"
	CommandPoke          Command = "poke"
	CommandUplink        Command = "uplink"
	CommandRemoveMe      Command = "removeme"
	CommandProfileUpdate Command = "profileupdate"
)

// userCommand reports commands whose target is a user rather than an item.
func (c Command) userCommand() bool {
	return c == CommandRelocate || c == CommandProfileUpdate || c == CommandRemoveMe
}

// counted reports commands that update the per-item delivery counters.
func (c Command) counted() bool {
	return c == CommandWallNew || c == CommandPoke
}

// oneShot commands are never retried.
func (c Command) oneShot() bool {
	return c == CommandSuggest || c == CommandRelocate
}

// Job is one delivery of one target to one contact. TargetID is an item id,
// a mail id, a suggestion id or a uid depending on Command.
type Job struct {
	Command   Command `json:"command"`
	TargetID  int64   `json:"target_id"`
	ContactID int64   `json:"contact_id"`
	Attempt   int     `json:"attempt"`
}

func (j Job) String() string {
	return fmt.Sprintf("%s:%d->%d#%d", j.Command, j.TargetID, j.ContactID, j.Attempt)
}

// Outcome is the terminal state of one Deliver call.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeFailed
	OutcomeDeferred
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeFailed:
		return "failed"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "skipped"
	}
}

// Scheduler queues jobs. Defer re-enqueues a failed job after a backoff and
// reports false once the retry budget is spent.
type Scheduler interface {
	Enqueue(ctx context.Context, job Job) error
	Defer(ctx context.Context, job Job, attempt int) bool
}
