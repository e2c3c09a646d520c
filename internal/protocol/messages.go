// ============================================================================
// Mesh-Dispatch Wire Messages
// ============================================================================
//
// Package: internal/protocol
// File: messages.go
// Purpose: Request/reply envelopes of the meshdispatch.v1.Broker service
//
// Conventions:
//   - Mesh kinds and job states travel as their lower-case string names
//   - Unknown jobs are answered with state "invalid", never with an RPC error
//   - Timestamps use google.protobuf.Timestamp
//
// ============================================================================

package protocol

import (
	"google.golang.org/protobuf/types/known/timestamppb"
)

// MeshIOType input/output mesh kind pair
type MeshIOType struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Requirements one worker's submission requirements
type Requirements struct {
	WorkerName string     `json:"worker_name"`
	Type       MeshIOType `json:"type"`
	SourceType string     `json:"source_type,omitempty"`
	FormatType string     `json:"format_type,omitempty"`
	Tag        string     `json:"tag,omitempty"`
}

// Content one named block of submission content
type Content struct {
	Format string `json:"format,omitempty"`
	Data   []byte `json:"data"`
}

// Job handle returned by SubmitJob
type Job struct {
	ID   string     `json:"id"`
	Type MeshIOType `json:"type"`
}

// Status job status snapshot
type Status struct {
	JobID     string                 `json:"job_id"`
	State     string                 `json:"state"`
	Progress  int32                  `json:"progress"`
	Message   string                 `json:"message,omitempty"`
	UpdatedAt *timestamppb.Timestamp `json:"updated_at,omitempty"`
}

// Result job output
type Result struct {
	JobID  string `json:"job_id"`
	Format string `json:"format,omitempty"`
	Data   []byte `json:"data"`
}

// WorkerInfo one discovered worker
type WorkerInfo struct {
	Name       string     `json:"name"`
	Type       MeshIOType `json:"type"`
	Executable string     `json:"executable"`
	FileFormat string     `json:"file_format,omitempty"`
	Tag        string     `json:"tag,omitempty"`
}

// ============================================================================
// Envelopes
// ============================================================================

type PingRequest struct{}

type PingReply struct {
	Version   string                 `json:"version"`
	State     string                 `json:"state"`
	Workers   int32                  `json:"workers"`
	StartedAt *timestamppb.Timestamp `json:"started_at,omitempty"`
}

type CanMeshRequest struct {
	Type MeshIOType `json:"type"`
}

type CanMeshReply struct {
	CanMesh bool `json:"can_mesh"`
}

type RequirementsRequest struct {
	Type MeshIOType `json:"type"`
}

type RequirementsReply struct {
	Requirements []Requirements `json:"requirements"`
}

type SubmitJobRequest struct {
	Requirements Requirements       `json:"requirements"`
	Content      map[string]Content `json:"content"`
}

// SubmitJobReply carries an invalid Job when no worker serves the request.
type SubmitJobReply struct {
	Job    Job    `json:"job"`
	Reason string `json:"reason,omitempty"`
}

type JobRequest struct {
	JobID string `json:"job_id"`
}

type JobStatusReply struct {
	Status Status `json:"status"`
}

// RetrieveResultsReply has a nil Result until the job is finished.
type RetrieveResultsReply struct {
	Status Status  `json:"status"`
	Result *Result `json:"result,omitempty"`
}

type CancelJobReply struct {
	Cancelled bool   `json:"cancelled"`
	Status    Status `json:"status"`
}

type ListWorkersRequest struct{}

type ListWorkersReply struct {
	Workers []WorkerInfo `json:"workers"`
}
