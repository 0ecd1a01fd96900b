package scrape

import (
	"fmt"
	"time"
)

// QueueType identifies a work queue and the category of ledger rows dispatched to it.
type QueueType string

// Queue types known to the dispatcher and worker.
const (
	QueueRecentArticles   QueueType = "recent-articles"
	QueueArchivedArticles QueueType = "archived-articles"
	QueueArticle          QueueType = "article"
)

// ParseQueueType validates a raw queue type string.
func ParseQueueType(raw string) (QueueType, error) {
	switch qt := QueueType(raw); qt {
	case QueueRecentArticles, QueueArchivedArticles, QueueArticle:
		return qt, nil
	default:
		return "", fmt.Errorf("%w: unknown queue type %q", ErrValidation, raw)
	}
}

// RunStatus represents the lifecycle state of a ledger row.
type RunStatus string

// Run status values persisted in the ledger.
const (
	RunPending    RunStatus = "pending"
	RunProcessing RunStatus = "processing"
	RunProcessed  RunStatus = "processed"
	RunFailed     RunStatus = "failed"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunProcessing, RunProcessed, RunFailed:
		return true
	default:
		return false
	}
}

// ArgumentUnitKey is the argument name holding the work unit key.
const ArgumentUnitKey = "newsSite"

// Run is one dispatch attempt of one unit on one queue.
type Run struct {
	ID                 string         `json:"id"`
	Type               QueueType      `json:"type"`
	Status             RunStatus      `json:"status"`
	Arguments          map[string]any `json:"arguments"`
	Hash               string         `json:"hash"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	FailedAt           *time.Time     `json:"failed_at,omitempty"`
	FailedErrorMessage *string        `json:"failed_error_message,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// UnitKey returns the work unit key stored in the run arguments.
func (r Run) UnitKey() string {
	return UnitKeyFromArguments(r.Arguments)
}

// UnitKeyFromArguments extracts the unit key, or "" when absent or not a string.
func UnitKeyFromArguments(args map[string]any) string {
	if args == nil {
		return ""
	}
	key, _ := args[ArgumentUnitKey].(string)
	return key
}

// BasicArticle is a reference to an article found on a listing page.
type BasicArticle struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Site  string `json:"site"`
}

// Article holds the extracted detail of a single article.
type Article struct {
	URL         string     `json:"url"`
	Site        string     `json:"site"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Author      string     `json:"author,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	ScrapedAt   time.Time  `json:"scraped_at"`
}

// ArchiveOptions bounds an archive listing scrape.
type ArchiveOptions struct {
	Pages int `json:"pages"`
}
