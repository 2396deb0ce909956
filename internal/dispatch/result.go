package dispatch

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle position of one route's delivery attempt.
type State int

const (
	Pending State = iota
	InFlight
	Retrying
	Succeeded
	DeadLettered
	Cancelled
)

var stateNames = map[State]string{
	Pending:      "pending",
	InFlight:     "in_flight",
	Retrying:     "retrying",
	Succeeded:    "succeeded",
	DeadLettered: "dead_lettered",
	Cancelled:    "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s State) Terminal() bool {
	return s == Succeeded || s == DeadLettered || s == Cancelled
}

type Outcome int

const (
	// Duplicate means the event ID was already seen inside the dedupe window.
	Duplicate Outcome = iota + 1
	// Unrouted means no route matched. The event is still acknowledged.
	Unrouted
	// Delivered means at least one route ran to a terminal state.
	Delivered
)

var outcomeNames = map[Outcome]string{
	Duplicate: "duplicate",
	Unrouted:  "unrouted",
	Delivered: "delivered",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// RouteResult is the terminal report of one route. Delays holds the backoff
// waited before each retry, in order.
type RouteResult struct {
	Route     string
	HandlerID string
	State     State
	Attempts  int
	Delays    []time.Duration
	LastError error
}

func (r RouteResult) MarshalJSON() ([]byte, error) {
	delays := make([]string, len(r.Delays))
	for i, d := range r.Delays {
		delays[i] = d.String()
	}
	out := struct {
		Route     string   `json:"route"`
		HandlerID string   `json:"handler_id"`
		State     State    `json:"state"`
		Attempts  int      `json:"attempts"`
		Delays    []string `json:"delays,omitempty"`
		LastError string   `json:"last_error,omitempty"`
	}{
		Route:     r.Route,
		HandlerID: r.HandlerID,
		State:     r.State,
		Attempts:  r.Attempts,
		Delays:    delays,
	}
	if r.LastError != nil {
		out.LastError = r.LastError.Error()
	}
	return json.Marshal(out)
}

// Result reports what happened to one envelope. Routes is in table order.
type Result struct {
	EventID string        `json:"event_id"`
	Outcome Outcome       `json:"outcome"`
	Routes  []RouteResult `json:"routes,omitempty"`
}

// Ack reports whether the source may drop the event. Duplicate, Unrouted,
// Succeeded and DeadLettered are all final; a cancelled route needs the
// event redelivered.
func (r *Result) Ack() bool {
	for _, rr := range r.Routes {
		if rr.State == Cancelled {
			return false
		}
	}
	return true
}

// Count returns how many routes ended in state.
func (r *Result) Count(state State) int {
	n := 0
	for _, rr := range r.Routes {
		if rr.State == state {
			n++
		}
	}
	return n
}
