package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ChuLiYu/mesh-dispatch/internal/controller"
	"github.com/ChuLiYu/mesh-dispatch/internal/jobmanager"
	"github.com/ChuLiYu/mesh-dispatch/internal/protocol"
	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var log = slog.Default()

// Server implements the gRPC server for meshdispatch.v1.Broker.
type Server struct {
	protocol.UnimplementedBrokerServer

	controller *controller.Controller
	state      func() types.BrokerState
}

// NewServer creates a new gRPC server instance. state reports the owning
// broker's lifecycle state to Ping; nil means always running.
func NewServer(ctrl *controller.Controller, state func() types.BrokerState) *Server {
	if state == nil {
		state = func() types.BrokerState { return types.BrokerRunning }
	}
	return &Server{
		controller: ctrl,
		state:      state,
	}
}

// Ping reports liveness, the number of discovered workers and the start time.
func (s *Server) Ping(ctx context.Context, _ *protocol.PingRequest) (*protocol.PingReply, error) {
	reply := &protocol.PingReply{
		Version: protocol.Version,
		State:   string(s.state()),
		Workers: int32(len(s.controller.Workers())),
	}
	if started := s.controller.StartTime(); !started.IsZero() {
		reply.StartedAt = timestamppb.New(started)
	}
	return reply, nil
}

// CanMesh handles capability queries.
func (s *Server) CanMesh(ctx context.Context, req *protocol.CanMeshRequest) (*protocol.CanMeshReply, error) {
	return &protocol.CanMeshReply{
		CanMesh: s.controller.CanMesh(protocol.FromWireType(req.Type)),
	}, nil
}

// RetrieveRequirements lists the requirements of every worker serving the type.
func (s *Server) RetrieveRequirements(ctx context.Context, req *protocol.RequirementsRequest) (*protocol.RequirementsReply, error) {
	set := s.controller.Requirements(protocol.FromWireType(req.Type))
	return &protocol.RequirementsReply{
		Requirements: protocol.ToWireRequirementsSet(set),
	}, nil
}

// SubmitJob handles job submission from clients.
func (s *Server) SubmitJob(ctx context.Context, req *protocol.SubmitJobRequest) (*protocol.SubmitJobReply, error) {
	sub := protocol.FromWireSubmission(req)

	job, err := s.controller.Submit(sub)
	switch {
	case errors.Is(err, controller.ErrNoWorker):
		// 沒有對應 worker 不是傳輸錯誤，回傳 invalid job
		return &protocol.SubmitJobReply{
			Job:    protocol.ToWireJob(types.InvalidJob()),
			Reason: err.Error(),
		}, nil
	case errors.Is(err, controller.ErrStopped):
		return nil, status.Error(codes.Unavailable, err.Error())
	case err != nil:
		log.Error("Submit failed", "error", err)
		return nil, status.Error(codes.Internal, err.Error())
	}

	return &protocol.SubmitJobReply{Job: protocol.ToWireJob(job)}, nil
}

// JobStatus answers unknown ids with an invalid status.
func (s *Server) JobStatus(ctx context.Context, req *protocol.JobRequest) (*protocol.JobStatusReply, error) {
	st, updated := s.controller.Status(types.JobID(req.JobID))
	return &protocol.JobStatusReply{Status: protocol.ToWireStatus(st, updated)}, nil
}

// RetrieveResults returns the status and, once finished, the result.
func (s *Server) RetrieveResults(ctx context.Context, req *protocol.JobRequest) (*protocol.RetrieveResultsReply, error) {
	id := types.JobID(req.JobID)
	st, updated := s.controller.Status(id)
	reply := &protocol.RetrieveResultsReply{Status: protocol.ToWireStatus(st, updated)}

	if st.State != types.StateFinished {
		return reply, nil
	}
	result, err := s.controller.Result(id)
	if err != nil {
		return reply, nil
	}
	result.ID = id
	reply.Result = protocol.ToWireResult(result)
	return reply, nil
}

// CancelJob cancels a queued or running job. Unknown and terminal jobs
// answer Cancelled=false with their current status.
func (s *Server) CancelJob(ctx context.Context, req *protocol.JobRequest) (*protocol.CancelJobReply, error) {
	id := types.JobID(req.JobID)

	err := s.controller.Cancel(id)
	switch {
	case err == nil:
	case errors.Is(err, jobmanager.ErrJobNotFound), errors.Is(err, jobmanager.ErrTerminal):
		st, updated := s.controller.Status(id)
		return &protocol.CancelJobReply{Cancelled: false, Status: protocol.ToWireStatus(st, updated)}, nil
	default:
		return nil, status.Error(codes.Internal, err.Error())
	}

	st, updated := s.controller.Status(id)
	return &protocol.CancelJobReply{Cancelled: true, Status: protocol.ToWireStatus(st, updated)}, nil
}

// ListWorkers returns the discovered workers.
func (s *Server) ListWorkers(ctx context.Context, _ *protocol.ListWorkersRequest) (*protocol.ListWorkersReply, error) {
	workers := s.controller.Workers()
	reply := &protocol.ListWorkersReply{Workers: make([]protocol.WorkerInfo, 0, len(workers))}
	for _, w := range workers {
		reply.Workers = append(reply.Workers, protocol.ToWireWorker(w))
	}
	return reply, nil
}
