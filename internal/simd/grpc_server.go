package simd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/logger"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

// GradientServiceName is the fully qualified gRPC service name. Every
// message on the wire is a google.protobuf.Struct holding the JSON form of
// the request and response types below.
const GradientServiceName = "fdtd.v1.GradientService"

type CreateRunRequest struct {
	RunID string    `json:"run_id,omitempty"`
	Input *RunInput `json:"input"`
	Start bool      `json:"start,omitempty"`
}

type RunRequest struct {
	RunID string `json:"run_id"`
}

type RunResponse struct {
	Run models.Run `json:"run"`
}

type ListRunsRequest struct {
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
	Status models.RunStatus `json:"status,omitempty"`
}

type ListRunsResponse struct {
	Runs []models.Run `json:"runs"`
}

// RunResultResponse carries the report of a completed run; Kind tells which
// report type Result decodes into
type RunResultResponse struct {
	RunID  string          `json:"run_id"`
	Kind   models.RunKind  `json:"kind"`
	Result json.RawMessage `json:"result"`
}

// StreamEvent is one message of StreamRunEvents. The first carries the run
// snapshot, later ones mirror RunEvent.
type StreamEvent struct {
	Type     string           `json:"type"`
	RunID    string           `json:"run_id"`
	At       time.Time        `json:"at"`
	Status   models.RunStatus `json:"status,omitempty"`
	Progress *models.Progress `json:"progress,omitempty"`
	Run      *models.Run      `json:"run,omitempty"`
}

// StreamEventSender is the server side of StreamRunEvents
type StreamEventSender interface {
	Send(*StreamEvent) error
	Context() context.Context
}

// GradientServiceServer is the server API of GradientService
type GradientServiceServer interface {
	CreateRun(context.Context, *CreateRunRequest) (*RunResponse, error)
	StartRun(context.Context, *RunRequest) (*RunResponse, error)
	StopRun(context.Context, *RunRequest) (*RunResponse, error)
	GetRun(context.Context, *RunRequest) (*RunResponse, error)
	ListRuns(context.Context, *ListRunsRequest) (*ListRunsResponse, error)
	GetRunResult(context.Context, *RunRequest) (*RunResultResponse, error)
	StreamRunEvents(*RunRequest, StreamEventSender) error
}

// GradientGRPCServer implements GradientServiceServer on a RunStore backend.
type GradientGRPCServer struct {
	store    *RunStore
	Executor *RunExecutor
}

func NewGradientGRPCServer(store *RunStore, executor *RunExecutor) *GradientGRPCServer {
	return &GradientGRPCServer{
		store:    store,
		Executor: executor,
	}
}

func (s *GradientGRPCServer) CreateRun(ctx context.Context, req *CreateRunRequest) (*RunResponse, error) {
	if req == nil || req.Input == nil {
		return nil, status.Error(codes.InvalidArgument, "input is required")
	}

	rec, err := s.store.Create(req.RunID, req.Input)
	if err != nil {
		if models.IsConfigurationError(err) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.AlreadyExists, err.Error())
	}
	logger.Info("run created", "run_id", rec.Run.ID, "kind", rec.Run.Kind)

	if req.Start {
		if rec, err = s.Executor.Start(rec.Run.ID); err != nil {
			return nil, executorStatus(err)
		}
	}
	return &RunResponse{Run: rec.Run}, nil
}

func (s *GradientGRPCServer) StartRun(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	if req == nil || req.RunID == "" {
		return nil, status.Error(codes.InvalidArgument, "run_id is required")
	}

	updated, err := s.Executor.Start(req.RunID)
	if err != nil {
		return nil, executorStatus(err)
	}
	logger.Info("run started (executor)", "run_id", req.RunID)
	return &RunResponse{Run: updated.Run}, nil
}

func (s *GradientGRPCServer) StopRun(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	if req == nil || req.RunID == "" {
		return nil, status.Error(codes.InvalidArgument, "run_id is required")
	}

	updated, err := s.Executor.Stop(req.RunID)
	if err != nil {
		return nil, executorStatus(err)
	}
	logger.Info("run cancelled", "run_id", req.RunID)
	return &RunResponse{Run: updated.Run}, nil
}

func (s *GradientGRPCServer) GetRun(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	if req == nil || req.RunID == "" {
		return nil, status.Error(codes.InvalidArgument, "run_id is required")
	}
	rec, ok := s.store.Get(req.RunID)
	if !ok {
		return nil, status.Error(codes.NotFound, "run not found")
	}
	return &RunResponse{Run: rec.Run}, nil
}

func (s *GradientGRPCServer) ListRuns(ctx context.Context, req *ListRunsRequest) (*ListRunsResponse, error) {
	limit, offset := 50, 0
	var st models.RunStatus
	if req != nil {
		if req.Limit > 0 {
			limit = min(req.Limit, 1000)
		}
		offset = max(req.Offset, 0)
		st = req.Status
	}
	recs := s.store.List(limit, offset, st)
	runs := make([]models.Run, 0, len(recs))
	for _, rec := range recs {
		runs = append(runs, rec.Run)
	}
	return &ListRunsResponse{Runs: runs}, nil
}

func (s *GradientGRPCServer) GetRunResult(ctx context.Context, req *RunRequest) (*RunResultResponse, error) {
	if req == nil || req.RunID == "" {
		return nil, status.Error(codes.InvalidArgument, "run_id is required")
	}
	rec, ok := s.store.Get(req.RunID)
	if !ok {
		return nil, status.Error(codes.NotFound, "run not found")
	}
	if rec.Result == nil {
		return nil, status.Errorf(codes.FailedPrecondition, "result not available (run is %s)", rec.Run.Status)
	}
	raw, err := json.Marshal(rec.Result)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &RunResultResponse{RunID: req.RunID, Kind: rec.Run.Kind, Result: raw}, nil
}

// StreamRunEvents sends the run snapshot, then every event until the run is
// terminal or the client goes away
func (s *GradientGRPCServer) StreamRunEvents(req *RunRequest, stream StreamEventSender) error {
	if req == nil || req.RunID == "" {
		return status.Error(codes.InvalidArgument, "run_id is required")
	}

	rec, events, cancel, err := s.store.Subscribe(req.RunID)
	if err != nil {
		return status.Error(codes.NotFound, "run not found")
	}
	defer cancel()

	run := rec.Run
	if err := stream.Send(&StreamEvent{
		Type:   "snapshot",
		RunID:  req.RunID,
		At:     time.Now().UTC(),
		Status: run.Status,
		Run:    &run,
	}); err != nil {
		return err
	}

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := stream.Send(&StreamEvent{
				Type:     ev.Type,
				RunID:    ev.RunID,
				At:       ev.At,
				Status:   ev.Status,
				Progress: ev.Progress,
			}); err != nil {
				return err
			}
		}
	}
}

func executorStatus(err error) error {
	switch {
	case errors.Is(err, ErrRunNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrRunIDMissing):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrRunTerminal):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// RegisterGradientService registers srv on s
func RegisterGradientService(s grpc.ServiceRegistrar, srv GradientServiceServer) {
	s.RegisterService(&GradientServiceDesc, srv)
}

var GradientServiceDesc = grpc.ServiceDesc{
	ServiceName: GradientServiceName,
	HandlerType: (*GradientServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateRun", Handler: unaryHandler("CreateRun", GradientServiceServer.CreateRun)},
		{MethodName: "StartRun", Handler: unaryHandler("StartRun", GradientServiceServer.StartRun)},
		{MethodName: "StopRun", Handler: unaryHandler("StopRun", GradientServiceServer.StopRun)},
		{MethodName: "GetRun", Handler: unaryHandler("GetRun", GradientServiceServer.GetRun)},
		{MethodName: "ListRuns", Handler: unaryHandler("ListRuns", GradientServiceServer.ListRuns)},
		{MethodName: "GetRunResult", Handler: unaryHandler("GetRunResult", GradientServiceServer.GetRunResult)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamRunEvents",
			Handler:       streamRunEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "fdtd/v1/gradient.proto",
}

func unaryHandler[Req, Resp any](method string, call func(GradientServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			r := new(Req)
			if err := fromStruct(req.(*structpb.Struct), r); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			resp, err := call(srv.(GradientServiceServer), ctx, r)
			if err != nil {
				return nil, err
			}
			out, err := toStruct(resp)
			if err != nil {
				return nil, status.Error(codes.Internal, err.Error())
			}
			return out, nil
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + GradientServiceName + "/" + method,
		}
		return interceptor(ctx, in, info, handler)
	}
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(ev *StreamEvent) error {
	out, err := toStruct(ev)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return s.ServerStream.SendMsg(out)
}

func streamRunEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	req := new(RunRequest)
	if err := fromStruct(in, req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return srv.(GradientServiceServer).StreamRunEvents(req, &eventStream{stream})
}

// toStruct converts any JSON-object-shaped value into a Struct
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
