package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is used when a job does not set its own retry budget.
const DefaultMaxAttempts = 3

// Options controls how a job is delivered.
type Options struct {
	DelayMs     int64  `json:"delay_ms,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	DedupeKey   string `json:"dedupe_key,omitempty"`
}

// Job is a serializable unit of work.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data,omitempty"`
	Options      Options         `json:"options"`
	AttemptsMade int             `json:"attempts_made"`
}

// NewJob builds a job named name whose payload is the JSON encoding of data.
func NewJob(name string, data any) (*Job, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s job data: %w", name, err)
		}
		raw = b
	}
	return &Job{
		ID:      uuid.New().String(),
		Name:    name,
		Data:    raw,
		Options: Options{MaxAttempts: DefaultMaxAttempts},
	}, nil
}

// WithDelay defers the job's visibility by d.
func (j *Job) WithDelay(d time.Duration) *Job {
	j.Options.DelayMs = d.Milliseconds()
	return j
}

// WithDedupe sets the idempotency key honored by providers that support it.
func (j *Job) WithDedupe(key string) *Job {
	j.Options.DedupeKey = key
	return j
}

// WithMaxAttempts sets the retry budget.
func (j *Job) WithMaxAttempts(n int) *Job {
	j.Options.MaxAttempts = n
	return j
}

// Delay returns the requested visibility delay.
func (j *Job) Delay() time.Duration {
	return time.Duration(j.Options.DelayMs) * time.Millisecond
}

// MaxAttempts returns the retry budget, falling back to DefaultMaxAttempts.
func (j *Job) MaxAttempts() int {
	if j.Options.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return j.Options.MaxAttempts
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Data) == 0 {
		return fmt.Errorf("%s job has no data", j.Name)
	}
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("decode %s job data: %w", j.Name, err)
	}
	return nil
}

// Encode serializes the job for transport.
func (j *Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob parses a job previously produced by Encode.
func DecodeJob(b []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if j.Name == "" {
		return nil, fmt.Errorf("decode job: missing name")
	}
	return &j, nil
}

// requeued returns a copy of the job with a fresh identity and the given
// delay. The attempt count and dedupe key carry over.
func (j *Job) requeued(d time.Duration) *Job {
	next := *j
	next.ID = uuid.New().String()
	next.Options.DelayMs = d.Milliseconds()
	return &next
}
