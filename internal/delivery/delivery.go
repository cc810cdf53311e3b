// Package delivery decouples request-time work from slow outbound email and
// push sends. Callers enqueue a task and return immediately; a drain loop
// delivers it out of band, retrying transient failures up to a bound.
package delivery

import "context"

type Type string

const (
	TypeEmail Type = "email"
	TypePush  Type = "push"
)

// EmailPayload is what the email provider needs to send one message.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// PushPayload is what the push provider needs to notify one user.
type PushPayload struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Receipt acknowledges an accepted task. Acceptance never depends on the
// delivery provider being reachable.
type Receipt struct {
	JobID string `json:"job_id"`
	Type  Type   `json:"type"`
}

// Stats reports queue accounting. The memory provider keeps no historical
// completed/failed counters; those stay zero there.
type Stats struct {
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Provider  string `json:"provider"`
}

// Queue accepts fire-and-forget delivery tasks.
type Queue interface {
	AddEmail(ctx context.Context, p EmailPayload) (Receipt, error)
	AddPush(ctx context.Context, p PushPayload) (Receipt, error)
	Stats(ctx context.Context) (Stats, error)
}

// EmailSender is the outbound email provider integration.
type EmailSender interface {
	SendEmail(ctx context.Context, p EmailPayload) error
}

// PushSender is the outbound push provider integration.
type PushSender interface {
	SendPush(ctx context.Context, p PushPayload) error
}
