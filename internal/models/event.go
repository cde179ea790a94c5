package models

import (
	"maps"
	"time"
)

// ActivityKind classifies an activity for display.
type ActivityKind string

const (
	KindInfo     ActivityKind = "info"
	KindAnalysis ActivityKind = "analysis"
	KindTrade    ActivityKind = "trade"
	KindWarning  ActivityKind = "warning"
	KindError    ActivityKind = "error"
	KindSuccess  ActivityKind = "success"
)

// Action identifies what an activity reports.
type Action string

const (
	ActionAgentStarted      Action = "agent_started"
	ActionAgentStopped      Action = "agent_stopped"
	ActionAutoTrading       Action = "auto_trading"
	ActionConfigUpdated     Action = "config_updated"
	ActionTrendDetected     Action = "trend_detected"
	ActionPositionOpened    Action = "position_opened"
	ActionPositionClosed    Action = "position_closed"
	ActionDecisionRejected  Action = "decision_rejected"
	ActionResolutionFailed  Action = "resolution_failed"
	ActionFetchFailed       Action = "fetch_failed"
	ActionPriceLookupFailed Action = "price_lookup_failed"
	ActionExecutionFailed   Action = "execution_failed"
	ActionCycleFailed       Action = "cycle_failed"
)

// Activity is one entry of the agent's activity log.
type Activity struct {
	ID        string            `json:"id"`
	Kind      ActivityKind      `json:"kind"`
	Action    Action            `json:"action"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Trend     *ScoredTrend      `json:"trend,omitempty"`
	Position  *Position         `json:"position,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Clone returns a copy that shares no mutable state with a.
func (a Activity) Clone() Activity {
	if a.Trend != nil {
		t := a.Trend.Clone()
		a.Trend = &t
	}
	if a.Position != nil {
		p := *a.Position
		a.Position = &p
	}
	a.Details = maps.Clone(a.Details)
	return a
}

// EventType is the wire tag of an Event.
type EventType string

const (
	EventActivity    EventType = "activity"
	EventStateUpdate EventType = "state_update"
	EventError       EventType = "error"
)

// Event is the closed set of notifications the agent emits.
// Consumers type-switch over ActivityEvent, StateEvent and ErrorEvent.
type Event interface {
	Type() EventType
	isEvent()
}

// ActivityEvent carries a non-error activity note.
type ActivityEvent struct {
	Activity Activity
}

// StateEvent carries a state snapshot.
type StateEvent struct {
	State AgentState
}

// ErrorEvent carries an error-kind activity and the underlying error.
type ErrorEvent struct {
	Activity Activity
	Err      error
}

func (ActivityEvent) Type() EventType { return EventActivity }
func (StateEvent) Type() EventType    { return EventStateUpdate }
func (ErrorEvent) Type() EventType    { return EventError }

func (ActivityEvent) isEvent() {}
func (StateEvent) isEvent()    {}
func (ErrorEvent) isEvent()    {}

// CloneEvent returns a copy of ev that shares no mutable state with it.
func CloneEvent(ev Event) Event {
	switch e := ev.(type) {
	case ActivityEvent:
		return ActivityEvent{Activity: e.Activity.Clone()}
	case StateEvent:
		return StateEvent{State: e.State.Clone()}
	case ErrorEvent:
		return ErrorEvent{Activity: e.Activity.Clone(), Err: e.Err}
	}
	return ev
}
