package types

import (
	"time"
)

// EntityReference points at another catalog entity (an owner, a service)
type EntityReference struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// EntityRecord is an immutable snapshot of one catalog entity as read by a Source.
// The pipeline never mutates a record; stages build new values from it.
type EntityRecord struct {
	ID                 string            `json:"id"`
	EntityType         string            `json:"entityType"`
	Version            float64           `json:"version"`
	Name               string            `json:"name"`
	FullyQualifiedName string            `json:"fullyQualifiedName,omitempty"`
	Description        string            `json:"description,omitempty"`
	Owners             []EntityReference `json:"owners,omitempty"`
	Tags               []string          `json:"tags,omitempty"`
	Service            string            `json:"service,omitempty"`
	ServiceType        string            `json:"serviceType,omitempty"`
	Database           string            `json:"database,omitempty"`
	Schema             string            `json:"schema,omitempty"`
	Deleted            bool              `json:"deleted,omitempty"`
	UpdatedAt          time.Time         `json:"updatedAt"`
	Fields             map[string]any    `json:"fields,omitempty"`
}

// Key returns the (entityType, id) identity of the record
func (r EntityRecord) Key() string {
	return r.EntityType + ":" + r.ID
}

// Field returns a free-form field value, or nil when absent
func (r EntityRecord) Field(name string) any {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

// EntityVersion is one historical state of an entity
type EntityVersion struct {
	Version   float64      `json:"version"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Record    EntityRecord `json:"record"`
}

// RecordError describes a record that could not be read or processed
type RecordError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Batch is a bounded, ordered slice of records plus the read errors
// encountered while producing it. A batch with errors is not discarded:
// the valid records still move downstream.
type Batch struct {
	EntityType string
	Records    []EntityRecord
	Errors     []RecordError
}

// Submitted returns the number of rows the batch accounts for,
// valid records and read failures together.
func (b Batch) Submitted() int {
	return len(b.Records) + len(b.Errors)
}

// Filter restricts which records a Source scans. Zero value matches every
// non-deleted record of the entity type.
type Filter struct {
	Service        string
	Database       string
	ServiceTypes   []string
	Window         *BackfillWindow // matches on UpdatedAt, [Start, End)
	IncludeDeleted bool
}
