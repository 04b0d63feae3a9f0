package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	StoryID() string
}

// Topic routes events to interested subscribers.
type Topic string

const (
	TopicIteration Topic = "iteration"
	TopicRun       Topic = "run"
)

// Event type constants
const (
	EventTypeIterationStarted  = "iteration.started"
	EventTypeIterationFinished = "iteration.finished"
	EventTypeAgentRotated      = "iteration.agent_rotated"
	EventTypeRunFinished       = "run.finished"
)

// IterationStartedEvent is published when an iteration picks a story and
// an (agent, model) pair.
type IterationStartedEvent struct {
	Number    int
	ID        string
	Title     string
	Agent     string
	Model     string
	Timestamp time.Time
}

func (e IterationStartedEvent) EventType() string { return EventTypeIterationStarted }
func (e IterationStartedEvent) StoryID() string   { return e.ID }

// IterationFinishedEvent is published when an iteration resolves.
type IterationFinishedEvent struct {
	Number    int
	ID        string
	Agent     string
	Model     string
	Outcome   string // success, failure, rate-limited, timeout
	Duration  time.Duration
	Timestamp time.Time
}

func (e IterationFinishedEvent) EventType() string { return EventTypeIterationFinished }
func (e IterationFinishedEvent) StoryID() string   { return e.ID }

// AgentRotatedEvent is published when rotation moves off a failing or
// rate-limited pair.
type AgentRotatedEvent struct {
	FromAgent string
	FromModel string
	ToAgent   string
	ToModel   string
	Reason    string // failures, rate-limit
	Timestamp time.Time
}

func (e AgentRotatedEvent) EventType() string { return EventTypeAgentRotated }
func (e AgentRotatedEvent) StoryID() string   { return "" }

// RunFinishedEvent is published once per run with the terminal state.
type RunFinishedEvent struct {
	Terminal   string
	Iterations int
	Completed  int
	Total      int
	Elapsed    time.Duration
	Timestamp  time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) StoryID() string   { return "" }
