package simd

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

// GradientClient calls a GradientService over an established connection
type GradientClient struct {
	cc grpc.ClientConnInterface
}

func NewGradientClient(cc grpc.ClientConnInterface) *GradientClient {
	return &GradientClient{cc: cc}
}

func (c *GradientClient) invoke(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+GradientServiceName+"/"+method, in, out, opts...); err != nil {
		return err
	}
	return fromStruct(out, resp)
}

func (c *GradientClient) CreateRun(ctx context.Context, req *CreateRunRequest, opts ...grpc.CallOption) (*models.Run, error) {
	resp := new(RunResponse)
	if err := c.invoke(ctx, "CreateRun", req, resp, opts...); err != nil {
		return nil, err
	}
	return &resp.Run, nil
}

func (c *GradientClient) StartRun(ctx context.Context, runID string, opts ...grpc.CallOption) (*models.Run, error) {
	return c.runCall(ctx, "StartRun", runID, opts...)
}

func (c *GradientClient) StopRun(ctx context.Context, runID string, opts ...grpc.CallOption) (*models.Run, error) {
	return c.runCall(ctx, "StopRun", runID, opts...)
}

func (c *GradientClient) GetRun(ctx context.Context, runID string, opts ...grpc.CallOption) (*models.Run, error) {
	return c.runCall(ctx, "GetRun", runID, opts...)
}

func (c *GradientClient) runCall(ctx context.Context, method, runID string, opts ...grpc.CallOption) (*models.Run, error) {
	resp := new(RunResponse)
	if err := c.invoke(ctx, method, &RunRequest{RunID: runID}, resp, opts...); err != nil {
		return nil, err
	}
	return &resp.Run, nil
}

func (c *GradientClient) ListRuns(ctx context.Context, req *ListRunsRequest, opts ...grpc.CallOption) ([]models.Run, error) {
	if req == nil {
		req = &ListRunsRequest{}
	}
	resp := new(ListRunsResponse)
	if err := c.invoke(ctx, "ListRuns", req, resp, opts...); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

func (c *GradientClient) GetRunResult(ctx context.Context, runID string, opts ...grpc.CallOption) (*RunResultResponse, error) {
	resp := new(RunResultResponse)
	if err := c.invoke(ctx, "GetRunResult", &RunRequest{RunID: runID}, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// EventStream receives StreamRunEvents messages
type EventStream struct {
	stream grpc.ClientStream
}

// Recv returns the next event, or io.EOF once the run is terminal
func (s *EventStream) Recv() (*StreamEvent, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	ev := new(StreamEvent)
	if err := fromStruct(out, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (c *GradientClient) StreamRunEvents(ctx context.Context, runID string, opts ...grpc.CallOption) (*EventStream, error) {
	stream, err := c.cc.NewStream(ctx, &GradientServiceDesc.Streams[0], "/"+GradientServiceName+"/StreamRunEvents", opts...)
	if err != nil {
		return nil, err
	}
	in, err := toStruct(&RunRequest{RunID: runID})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
