// Package store provides the document store the intake engine is layered on.
//
// A Backend persists opaque JSON documents addressed by (kind, tenant, id),
// with an optional unique secondary index and a status column for queue
// queries. Memory, SQLite (lite mode) and PostgreSQL backends share one
// contract; Repository adds typed access for the domain.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no document matches.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when an insert collides on id or index.
	ErrConflict = errors.New("store: conflict")
)

// Kind is the document family.
type Kind string

const (
	KindForm       Kind = "form"
	KindSubmission Kind = "submission"
	KindContact    Kind = "contact"
	KindCompany    Kind = "company"
	KindGroup      Kind = "handler_group"
	KindDraft      Kind = "draft"
	KindEvent      Kind = "event"
	KindAbuse      Kind = "abuse"
	KindRecord     Kind = "record"
	KindEscalation Kind = "escalation"
	KindExperiment Kind = "experiment_stats"
)

// GlobalTenant scopes documents addressed without a tenant (forms are
// resolved from the public form id alone).
const GlobalTenant = "_global"

// Document is one stored row.
type Document struct {
	Kind      Kind
	TenantID  string
	ID        string
	Index     string // unique per (kind, tenant) when non-empty
	Status    string
	Body      []byte
	Seq       int64 // assigned on insert, monotonic per backend
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Query filters List. Empty TenantID matches every tenant.
type Query struct {
	Kind          Kind
	TenantID      string
	Status        string
	UpdatedBefore time.Time
	AfterSeq      int64
	Limit         int
	Descending    bool
}

// Backend is the persistence contract.
type Backend interface {
	Get(ctx context.Context, kind Kind, tenantID, id string) (*Document, error)
	FindByIndex(ctx context.Context, kind Kind, tenantID, index string) (*Document, error)
	Insert(ctx context.Context, doc *Document) error
	// Update runs fn against the current document under a row lock and
	// persists the result atomically. Returning an error from fn aborts.
	Update(ctx context.Context, kind Kind, tenantID, id string, fn func(*Document) error) (*Document, error)
	List(ctx context.Context, q Query) ([]*Document, error)
	Close() error
}
