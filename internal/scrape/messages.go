package scrape

import "time"

// WorkMessage is published by the dispatcher for a worker to execute one unit.
type WorkMessage struct {
	UnitKey string          `json:"unitKey"`
	RunID   string          `json:"runId"`
	Archive *ArchiveOptions `json:"archive,omitempty"`
}

// ArticleMessage carries one article reference to the article queue.
type ArticleMessage struct {
	UnitKey string       `json:"unitKey"`
	RunID   string       `json:"runId,omitempty"`
	Article BasicArticle `json:"article"`
}

// StatusMessage reports a run transition from a worker back to the dispatcher.
type StatusMessage struct {
	RunID        string    `json:"runId"`
	Status       RunStatus `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// LifecycleStatus is a process lifecycle transition.
type LifecycleStatus string

// Lifecycle states reported by the dispatcher and worker processes.
const (
	LifecyclePending  LifecycleStatus = "pending"
	LifecycleStarting LifecycleStatus = "starting"
	LifecycleStarted  LifecycleStatus = "started"
	LifecycleClosing  LifecycleStatus = "closing"
	LifecycleClosed   LifecycleStatus = "closed"
	LifecycleErrored  LifecycleStatus = "errored"
)

// LifecycleMessage is published to the observability queue on each transition.
type LifecycleMessage struct {
	Status         LifecycleStatus `json:"status"`
	Service        string          `json:"service"`
	Instance       string          `json:"instance,omitempty"`
	HTTPServerPort int             `json:"httpServerPort,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}
