// ============================================================================
// Mesh-Dispatch gRPC Service - meshdispatch.v1.Broker
// ============================================================================
//
// Package: internal/protocol
// File: service.go
// Purpose: Service descriptor, server registration and client stub
//
// RPC overview:
//   Ping                  liveness check, used by clients before first use
//   CanMesh               does any worker serve this MeshIOType
//   RetrieveRequirements  requirements of every worker serving a MeshIOType
//   SubmitJob             enqueue a submission, returns the Job handle
//   JobStatus             current status, unknown ids answer "invalid"
//   RetrieveResults       result of a finished job
//   CancelJob             cancel a queued or running job
//   ListWorkers           discovered workers
//
// The service is declared by hand and served with the JSON codec
// (content-subtype "json"), so clients must use DialOptions().
//
// ============================================================================

package protocol

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	// ServiceName fully-qualified gRPC service name
	ServiceName = "meshdispatch.v1.Broker"
	// Version protocol version reported by Ping
	Version = "v1"
)

// BrokerServer is the server API for the Broker service.
type BrokerServer interface {
	Ping(context.Context, *PingRequest) (*PingReply, error)
	CanMesh(context.Context, *CanMeshRequest) (*CanMeshReply, error)
	RetrieveRequirements(context.Context, *RequirementsRequest) (*RequirementsReply, error)
	SubmitJob(context.Context, *SubmitJobRequest) (*SubmitJobReply, error)
	JobStatus(context.Context, *JobRequest) (*JobStatusReply, error)
	RetrieveResults(context.Context, *JobRequest) (*RetrieveResultsReply, error)
	CancelJob(context.Context, *JobRequest) (*CancelJobReply, error)
	ListWorkers(context.Context, *ListWorkersRequest) (*ListWorkersReply, error)
}

// UnimplementedBrokerServer can be embedded to have forward compatible
// implementations.
type UnimplementedBrokerServer struct{}

func (UnimplementedBrokerServer) Ping(context.Context, *PingRequest) (*PingReply, error) {
	return nil, status.Error(codes.Unimplemented, "method Ping not implemented")
}
func (UnimplementedBrokerServer) CanMesh(context.Context, *CanMeshRequest) (*CanMeshReply, error) {
	return nil, status.Error(codes.Unimplemented, "method CanMesh not implemented")
}
func (UnimplementedBrokerServer) RetrieveRequirements(context.Context, *RequirementsRequest) (*RequirementsReply, error) {
	return nil, status.Error(codes.Unimplemented, "method RetrieveRequirements not implemented")
}
func (UnimplementedBrokerServer) SubmitJob(context.Context, *SubmitJobRequest) (*SubmitJobReply, error) {
	return nil, status.Error(codes.Unimplemented, "method SubmitJob not implemented")
}
func (UnimplementedBrokerServer) JobStatus(context.Context, *JobRequest) (*JobStatusReply, error) {
	return nil, status.Error(codes.Unimplemented, "method JobStatus not implemented")
}
func (UnimplementedBrokerServer) RetrieveResults(context.Context, *JobRequest) (*RetrieveResultsReply, error) {
	return nil, status.Error(codes.Unimplemented, "method RetrieveResults not implemented")
}
func (UnimplementedBrokerServer) CancelJob(context.Context, *JobRequest) (*CancelJobReply, error) {
	return nil, status.Error(codes.Unimplemented, "method CancelJob not implemented")
}
func (UnimplementedBrokerServer) ListWorkers(context.Context, *ListWorkersRequest) (*ListWorkersReply, error) {
	return nil, status.Error(codes.Unimplemented, "method ListWorkers not implemented")
}

// RegisterBrokerServer registers srv on s.
func RegisterBrokerServer(s grpc.ServiceRegistrar, srv BrokerServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Ping", BrokerServer.Ping),
		unary("CanMesh", BrokerServer.CanMesh),
		unary("RetrieveRequirements", BrokerServer.RetrieveRequirements),
		unary("SubmitJob", BrokerServer.SubmitJob),
		unary("JobStatus", BrokerServer.JobStatus),
		unary("RetrieveResults", BrokerServer.RetrieveResults),
		unary("CancelJob", BrokerServer.CancelJob),
		unary("ListWorkers", BrokerServer.ListWorkers),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "meshdispatch/v1/broker.proto",
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary builds the MethodDesc of a unary RPC.
func unary[Req, Resp any](method string, call func(BrokerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(BrokerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(BrokerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ============================================================================
// Client
// ============================================================================

// BrokerClient is the client API for the Broker service.
type BrokerClient interface {
	Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingReply, error)
	CanMesh(ctx context.Context, in *CanMeshRequest, opts ...grpc.CallOption) (*CanMeshReply, error)
	RetrieveRequirements(ctx context.Context, in *RequirementsRequest, opts ...grpc.CallOption) (*RequirementsReply, error)
	SubmitJob(ctx context.Context, in *SubmitJobRequest, opts ...grpc.CallOption) (*SubmitJobReply, error)
	JobStatus(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*JobStatusReply, error)
	RetrieveResults(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*RetrieveResultsReply, error)
	CancelJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*CancelJobReply, error)
	ListWorkers(ctx context.Context, in *ListWorkersRequest, opts ...grpc.CallOption) (*ListWorkersReply, error)
}

type brokerClient struct {
	cc grpc.ClientConnInterface
}

// NewBrokerClient wraps a connection created with DialOptions().
func NewBrokerClient(cc grpc.ClientConnInterface) BrokerClient {
	return &brokerClient{cc: cc}
}

// DialOptions returns the options every connection to a broker needs.
// Brokers listen on loopback or trusted networks without TLS.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *brokerClient) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingReply, error) {
	return invoke[PingReply](ctx, c.cc, "Ping", in, opts)
}

func (c *brokerClient) CanMesh(ctx context.Context, in *CanMeshRequest, opts ...grpc.CallOption) (*CanMeshReply, error) {
	return invoke[CanMeshReply](ctx, c.cc, "CanMesh", in, opts)
}

func (c *brokerClient) RetrieveRequirements(ctx context.Context, in *RequirementsRequest, opts ...grpc.CallOption) (*RequirementsReply, error) {
	return invoke[RequirementsReply](ctx, c.cc, "RetrieveRequirements", in, opts)
}

func (c *brokerClient) SubmitJob(ctx context.Context, in *SubmitJobRequest, opts ...grpc.CallOption) (*SubmitJobReply, error) {
	return invoke[SubmitJobReply](ctx, c.cc, "SubmitJob", in, opts)
}

func (c *brokerClient) JobStatus(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*JobStatusReply, error) {
	return invoke[JobStatusReply](ctx, c.cc, "JobStatus", in, opts)
}

func (c *brokerClient) RetrieveResults(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*RetrieveResultsReply, error) {
	return invoke[RetrieveResultsReply](ctx, c.cc, "RetrieveResults", in, opts)
}

func (c *brokerClient) CancelJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*CancelJobReply, error) {
	return invoke[CancelJobReply](ctx, c.cc, "CancelJob", in, opts)
}

func (c *brokerClient) ListWorkers(ctx context.Context, in *ListWorkersRequest, opts ...grpc.CallOption) (*ListWorkersReply, error) {
	return invoke[ListWorkersReply](ctx, c.cc, "ListWorkers", in, opts)
}
