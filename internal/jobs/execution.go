package jobs

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	types "github.com/yungbote/loqui-backend/internal/domain"
)

// Execution wraps a claimed job row for handler code. It eagerly decodes the
// payload JSON so handlers read inputs through Payload()/PayloadUUID() instead
// of re-parsing. Lifecycle transitions stay with the worker; handlers only
// return an error or nil.
type Execution struct {
	Job     *types.Job
	payload map[string]any
}

func NewExecution(job *types.Job) *Execution {
	e := &Execution{Job: job}
	_ = e.decodePayload()
	return e
}

// decodePayload tolerates malformed payloads: handlers validating required
// fields will fail the job with a useful message instead.
func (e *Execution) decodePayload() error {
	if e.Job == nil || len(e.Job.Payload) == 0 {
		e.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(e.Job.Payload, &m); err != nil {
		e.payload = map[string]any{}
		return err
	}
	e.payload = m
	return nil
}

// Payload never returns nil.
func (e *Execution) Payload() map[string]any {
	if e.payload == nil {
		e.payload = map[string]any{}
	}
	return e.payload
}

func (e *Execution) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := e.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (e *Execution) PayloadString(key string) (string, bool) {
	v, ok := e.Payload()[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable; the worker fails the job
// immediately regardless of remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
