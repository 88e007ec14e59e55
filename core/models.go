package core

import (
	"strings"
	"time"
)

// User is an authenticated principal. Users own datasets and hold roles.
type User struct {
	Id        ID
	Email     string
	CreatedAt time.Time
}

// Role groups users so that access can be granted to many principals at once.
type Role struct {
	Id        ID
	Name      string
	CreatedAt time.Time
}

// DatasetStatus tracks the processing lifecycle of a dataset.
type DatasetStatus string

const (
	DatasetStatusCreated    DatasetStatus = "created"
	DatasetStatusProcessing DatasetStatus = "processing"
	DatasetStatusReady      DatasetStatus = "ready"
	DatasetStatusError      DatasetStatus = "error"
)

// Dataset is the unit of ownership, permissioning and storage binding.
type Dataset struct {
	Id        ID
	OwnerId   ID
	Name      string
	Status    DatasetStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DataStatus tracks whether a raw data item has been processed by a completed run.
type DataStatus string

const (
	DataStatusPending   DataStatus = "pending"
	DataStatusProcessed DataStatus = "processed"
	DataStatusFailed    DataStatus = "failed"
)

// Data is one raw ingested item. Everything except Label and Status is
// immutable once written.
type Data struct {
	Id          ID
	DatasetId   ID
	Label       string
	ContentHash string
	Location    string // where the raw bytes are stored
	MimeType    string
	Extension   string
	Size        int64
	Status      DataStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DataIDFor returns the id of a Data item with the given content hash owned by ownerID.
// The same content added twice by the same owner yields the same id.
func DataIDFor(contentHash string, ownerID ID) ID {
	return IDFromContent(contentHash, ownerID.String())
}

// IngestItem is one raw input to ingestion. Exactly one of Text or Path must be set.
type IngestItem struct {
	Text     string
	Path     string
	Label    string
	MimeType string
}

// TextItem returns an IngestItem carrying inline text.
func TextItem(text string) IngestItem {
	return IngestItem{Text: text}
}

// FileItem returns an IngestItem referencing a file on disk.
func FileItem(path string) IngestItem {
	return IngestItem{Path: path}
}

// WithLabel returns a copy of the item carrying the given label.
func (i IngestItem) WithLabel(label string) IngestItem {
	i.Label = label
	return i
}

// Well-known DataPoint types produced by the built-in tasks.
const (
	TypeDocument   = "Document"
	TypeChunk      = "DocumentChunk"
	TypeEntity     = "Entity"
	TypeEntityType = "EntityType"
)

// Well-known edge labels produced by the built-in tasks.
const (
	LabelPartOf         = "part_of"
	LabelContainsEntity = "contains_entity"
	LabelIsEntityType   = "is_entity_type"
)

// DataPoint is the atomic unit of knowledge. The same Id resolves to the same
// logical entity in every backend that holds it.
type DataPoint struct {
	Id        ID
	DatasetId ID
	Type      string
	Version   int
	Payload   map[string]any
	Vector    []float32
	// Text is the string embedded into Vector. Empty when the point is not indexed.
	Text      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IndexText returns the text used for embedding and lexical search.
func (d *DataPoint) IndexText() string {
	if d.Text != "" {
		return d.Text
	}
	if name, ok := d.Payload["name"].(string); ok {
		return name
	}
	return ""
}

// HasVector reports whether the point carries an embedding.
func (d *DataPoint) HasVector() bool {
	return len(d.Vector) > 0
}

// Edge is a typed, directed relation between two DataPoints.
type Edge struct {
	SourceId   ID
	TargetId   ID
	Label      string
	DatasetId  ID
	Properties map[string]any
}

// EdgeKey identifies an edge. Upserting an edge with an existing key replaces it.
type EdgeKey struct {
	SourceId ID
	TargetId ID
	Label    string
}

// Key returns the identity of the edge.
func (e *Edge) Key() EdgeKey {
	return EdgeKey{SourceId: e.SourceId, TargetId: e.TargetId, Label: e.Label}
}

func (k EdgeKey) String() string {
	return k.SourceId.String() + "-[" + k.Label + "]->" + k.TargetId.String()
}

// VectorRecord is what the vector family stores for a DataPoint.
type VectorRecord struct {
	Id        ID
	DatasetId ID
	Type      string
	Text      string
	Vector    []float32
}

// VectorRecordFor projects a DataPoint onto its vector record.
func VectorRecordFor(dp *DataPoint) *VectorRecord {
	return &VectorRecord{
		Id:        dp.Id,
		DatasetId: dp.DatasetId,
		Type:      dp.Type,
		Text:      dp.IndexText(),
		Vector:    dp.Vector,
	}
}

// ScoredVector is a vector search hit.
type ScoredVector struct {
	Record *VectorRecord
	Score  float32
}

// Permission is an access right on a dataset.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionDelete Permission = "delete"
	PermissionShare  Permission = "share"
)

// AllPermissions lists every permission. Dataset owners receive all of them.
var AllPermissions = []Permission{PermissionRead, PermissionWrite, PermissionDelete, PermissionShare}

// PrincipalType distinguishes user and role grantees.
type PrincipalType string

const (
	PrincipalUser PrincipalType = "user"
	PrincipalRole PrincipalType = "role"
)

// AccessControlEntry grants one permission on one dataset to one principal.
// The absence of an entry means no access.
type AccessControlEntry struct {
	Id            ID
	PrincipalId   ID
	PrincipalType PrincipalType
	DatasetId     ID
	Permission    Permission
	CreatedAt     time.Time
}

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusErrored   RunStatus = "errored"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusErrored || s == RunStatusCancelled
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Status only moves forward: pending -> running -> completed|errored|cancelled.
// A pending run may also be cancelled or fail before it starts.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusCancelled || next == RunStatusErrored
	case RunStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// PipelineRun records one execution of a task list over a dataset.
type PipelineRun struct {
	Id            ID
	DatasetId     ID
	UserId        ID
	RunKey        string // empty when the run is not deduplicable
	Tasks         []string
	Status        RunStatus
	Error         string
	ErrorCode     string
	ItemsProduced int64
	CreatedAt     time.Time
	StartedAt     time.Time
	EndedAt       time.Time
}

// TaskList returns the comma separated task names.
func (r *PipelineRun) TaskList() string {
	return strings.Join(r.Tasks, ",")
}

// Chunk is a transient slice of a document produced by chunking.
type Chunk struct {
	Id         ID
	DatasetId  ID
	DocumentId ID
	Source     string // label or location of the document
	Index      int
	Text       string
}

// GraphNode is a candidate entity produced by graph extraction.
type GraphNode struct {
	Name        string
	Type        string
	Description string
}

// GraphRelation is a candidate relation between two extracted entities, referenced by name.
type GraphRelation struct {
	Source string
	Target string
	Label  string
}

// GraphFragment is the extraction result for one chunk.
type GraphFragment struct {
	Chunk     *Chunk
	Nodes     []GraphNode
	Relations []GraphRelation
}

// EntityTypeID returns the stable id of an entity type node within a dataset.
func EntityTypeID(datasetID ID, entityType string) ID {
	return IDFromContent(datasetID.String(), "entity_type", strings.ToLower(entityType))
}

// EntityID returns the stable id of an extracted entity within a dataset.
func EntityID(datasetID ID, entityType, name string) ID {
	return IDFromContent(datasetID.String(), strings.ToLower(entityType), strings.ToLower(strings.TrimSpace(name)))
}
