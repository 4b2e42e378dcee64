// Package events implements the in-process event bus that multiplexes
// agent output to filtered per-session subscribers with batched,
// priority-ordered delivery.
package events

import (
	"time"
)

// EventType tags a stream event.
type EventType string

const (
	EventAgentMessage      EventType = "agent_message"
	EventStageStart        EventType = "stage_start"
	EventExecutionStart    EventType = "execution_start"
	EventExecutionComplete EventType = "execution_complete"
	EventProgressUpdate    EventType = "progress_update"
	EventLogEntry          EventType = "log_entry"
	EventFileChange        EventType = "file_change"
	EventStatusUpdate      EventType = "status_update"
	EventError             EventType = "error"
	EventHeartbeat         EventType = "heartbeat"
)

// Priority orders delivery within a flushed batch.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

// Event is the unit carried by the bus. Events are ephemeral and
// never persisted.
type Event struct {
	Type        EventType              `json:"type"`
	Data        map[string]interface{} `json:"data"`
	Timestamp   time.Time              `json:"timestamp"`
	Source      string                 `json:"source"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	ProjectID   string                 `json:"project_id,omitempty"`
	Priority    Priority               `json:"priority"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(typ EventType, source string, data map[string]interface{}) *Event {
	return &Event{
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Priority:  PriorityNormal,
	}
}

// Filter is a conjunction of optional predicates. An empty predicate
// matches everything; a populated one requires membership.
type Filter struct {
	EventTypes   []EventType `json:"event_types,omitempty"`
	Sources      []string    `json:"sources,omitempty"`
	ExecutionIDs []string    `json:"execution_ids,omitempty"`
	ProjectIDs   []string    `json:"project_ids,omitempty"`
	MinPriority  Priority    `json:"min_priority,omitempty"`
}

// Matches reports whether the event passes every populated predicate.
// An event without a project id does not match a project-scoped
// filter, and likewise for execution ids.
func (f *Filter) Matches(e *Event) bool {
	if f == nil {
		return true
	}
	if len(f.EventTypes) > 0 && !containsType(f.EventTypes, e.Type) {
		return false
	}
	if len(f.Sources) > 0 && !containsStr(f.Sources, e.Source) {
		return false
	}
	if len(f.ExecutionIDs) > 0 && !containsStr(f.ExecutionIDs, e.ExecutionID) {
		return false
	}
	if len(f.ProjectIDs) > 0 && !containsStr(f.ProjectIDs, e.ProjectID) {
		return false
	}
	if e.Priority < f.MinPriority {
		return false
	}
	return true
}

func containsType(set []EventType, v EventType) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsStr(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
