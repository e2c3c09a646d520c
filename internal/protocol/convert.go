package protocol

import (
	"time"

	"github.com/ChuLiYu/mesh-dispatch/internal/registry"
	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ToWireType converts a MeshIOType
func ToWireType(t types.MeshIOType) MeshIOType {
	return MeshIOType{Input: string(t.Input), Output: string(t.Output)}
}

// FromWireType converts a MeshIOType; unknown kinds yield an invalid type
func FromWireType(t MeshIOType) types.MeshIOType {
	return types.NewMeshIOType(types.ParseMeshKind(t.Input), types.ParseMeshKind(t.Output))
}

func ToWireRequirements(r types.JobRequirements) Requirements {
	return Requirements{
		WorkerName: r.WorkerName,
		Type:       ToWireType(r.Type),
		SourceType: r.SourceType,
		FormatType: r.FormatType,
		Tag:        r.Tag,
	}
}

func FromWireRequirements(r Requirements) types.JobRequirements {
	return types.JobRequirements{
		WorkerName: r.WorkerName,
		Type:       FromWireType(r.Type),
		SourceType: r.SourceType,
		FormatType: r.FormatType,
		Tag:        r.Tag,
	}
}

// ToWireRequirementsSet keeps the deterministic order of the set
func ToWireRequirementsSet(set types.JobRequirementsSet) []Requirements {
	out := make([]Requirements, 0, set.Len())
	for _, r := range set.Items() {
		out = append(out, ToWireRequirements(r))
	}
	return out
}

func FromWireRequirementsSet(reqs []Requirements) types.JobRequirementsSet {
	set := types.NewJobRequirementsSet()
	for _, r := range reqs {
		set.Add(FromWireRequirements(r))
	}
	return set
}

func ToWireSubmission(s types.JobSubmission) *SubmitJobRequest {
	req := &SubmitJobRequest{
		Requirements: ToWireRequirements(s.Requirements),
		Content:      make(map[string]Content, len(s.Content)),
	}
	for k, c := range s.Content {
		req.Content[k] = Content{Format: c.Format, Data: c.Data}
	}
	return req
}

func FromWireSubmission(req *SubmitJobRequest) types.JobSubmission {
	sub := types.JobSubmission{
		Requirements: FromWireRequirements(req.Requirements),
		Content:      make(map[string]types.JobContent, len(req.Content)),
	}
	for k, c := range req.Content {
		sub.Content[k] = types.JobContent{Format: c.Format, Data: c.Data}
	}
	return sub
}

func ToWireJob(j types.Job) Job {
	return Job{ID: string(j.ID), Type: ToWireType(j.Type)}
}

// FromWireJob maps an empty id to the invalid job
func FromWireJob(j Job) types.Job {
	if j.ID == "" {
		return types.InvalidJob()
	}
	return types.Job{ID: types.JobID(j.ID), Type: FromWireType(j.Type)}
}

// ToWireStatus converts a status; a zero updatedAt is omitted
func ToWireStatus(s types.JobStatus, updatedAt time.Time) Status {
	out := Status{
		JobID:    string(s.ID),
		State:    string(s.State),
		Progress: int32(s.Progress),
		Message:  s.Message,
	}
	if !updatedAt.IsZero() {
		out.UpdatedAt = timestamppb.New(updatedAt)
	}
	return out
}

// FromWireStatus converts a status; unrecognised states become invalid
func FromWireStatus(s Status) types.JobStatus {
	return types.JobStatus{
		ID:       types.JobID(s.JobID),
		State:    parseState(s.State),
		Progress: int(s.Progress),
		Message:  s.Message,
	}
}

func ToWireResult(r types.JobResult) *Result {
	return &Result{JobID: string(r.ID), Format: r.Format, Data: r.Data}
}

func FromWireResult(r *Result) types.JobResult {
	if r == nil {
		return types.JobResult{ID: types.InvalidJobID}
	}
	return types.JobResult{ID: types.JobID(r.JobID), Format: r.Format, Data: r.Data}
}

func ToWireWorker(d registry.WorkerDescriptor) WorkerInfo {
	return WorkerInfo{
		Name:       d.Name,
		Type:       ToWireType(d.Type),
		Executable: d.Executable,
		FileFormat: d.FileFormat,
		Tag:        d.Tag,
	}
}

func parseState(s string) types.JobState {
	switch st := types.JobState(s); st {
	case types.StateQueued, types.StateInProgress, types.StateFinished, types.StateFailed:
		return st
	default:
		return types.StateInvalid
	}
}
