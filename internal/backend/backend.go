// Package backend defines the capability interfaces the cutover core
// consumes from the old and new service implementations.
package backend

import (
	"bytes"
	"context"
	"errors"
	"net/http"
)

// Names of the two implementations being swapped.
const (
	Old = "old"
	New = "new"
)

// ErrNotFound is returned by Reader when the entity does not exist.
var ErrNotFound = errors.New("entity not found in backend")

// Request is one unit of work routed to a backend.
type Request struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// Response is what a backend returned.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Failed reports whether the response counts against the error budget.
func (r Response) Failed() bool {
	return r.Status >= http.StatusInternalServerError
}

// Equal compares status and body, the parts shadow comparison cares about.
func (r Response) Equal(other Response) bool {
	return r.Status == other.Status && bytes.Equal(r.Body, other.Body)
}

// Backend processes requests.
type Backend interface {
	Process(ctx context.Context, req Request) (Response, error)
}

// HealthChecker is implemented by backends that can report readiness.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// EntityWriter stores migrated entity representations.
type EntityWriter interface {
	WriteEntity(ctx context.Context, id string, repr []byte) error
}

// EntityReader reads back stored representations. It returns ErrNotFound for absent ids.
type EntityReader interface {
	ReadEntity(ctx context.Context, id string) ([]byte, error)
}

// EntityRecord is one entity as listed by the old backend.
type EntityRecord struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Repr []byte `json:"repr"`
}

// EntityLister pages through the entities a backend owns in key order,
// starting after the given key.
type EntityLister interface {
	ListEntities(ctx context.Context, after string, limit int) ([]EntityRecord, error)
}

// Func adapts a function to Backend.
type Func func(ctx context.Context, req Request) (Response, error)

// Process calls f.
func (f Func) Process(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// CheckHealth calls Health when b supports it.
func CheckHealth(ctx context.Context, b Backend) error {
	if hc, ok := b.(HealthChecker); ok {
		return hc.Health(ctx)
	}
	return nil
}
