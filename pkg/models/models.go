package models

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Method is the kind of mutation a write intent carries.
type Method string

const (
	MethodCreate  Method = "CREATE"
	MethodUpdate  Method = "UPDATE"
	MethodReplace Method = "REPLACE"
	MethodDelete  Method = "DELETE"
)

// ParseMethod accepts a method name in any case.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown method %q", s)
	}
	return m, nil
}

func (m Method) Valid() bool {
	switch m {
	case MethodCreate, MethodUpdate, MethodReplace, MethodDelete:
		return true
	}
	return false
}

// HTTPVerb maps the method onto the verb the REST handlers expect.
func (m Method) HTTPVerb() string {
	switch m {
	case MethodCreate:
		return http.MethodPost
	case MethodUpdate:
		return http.MethodPatch
	case MethodReplace:
		return http.MethodPut
	case MethodDelete:
		return http.MethodDelete
	}
	return ""
}

// QueuedOperation is a write that could not be confirmed by the server yet.
type QueuedOperation struct {
	ID         string          `json:"id"`
	Endpoint   string          `json:"endpoint"`
	Method     Method          `json:"method"`
	Body       json.RawMessage `json:"body,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Expired reports whether the operation is past the retention window.
func (op QueuedOperation) Expired(now time.Time, retention time.Duration) bool {
	return now.Sub(op.EnqueuedAt) > retention
}

// MutateResult is the acknowledgement returned for a write intent.
type MutateResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Queued  bool            `json:"queued,omitempty"`
	Error   string          `json:"error,omitempty"`
}
