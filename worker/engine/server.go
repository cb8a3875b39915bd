package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"github.com/arminnakhjiri/BasicGEE/processor"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server exposes any Engine over the engine protocol.
type Server struct {
	Engine  Engine
	Verbose bool
}

func NewServer(e Engine, verbose bool) *Server {
	return &Server{Engine: e, Verbose: verbose}
}

// statusError maps engine errors to gRPC codes.
func statusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrUnimplemented):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, catalog.ErrEmptyResult):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrTooManyPixels),
		errors.Is(err, processor.ErrMissingBand),
		errors.Is(err, processor.ErrBandCount),
		errors.Is(err, processor.ErrGridMismatch),
		errors.Is(err, processor.ErrNoGeoTransform):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func badRequest(err error) error {
	return status.Error(codes.InvalidArgument, err.Error())
}

func (s *Server) logDone(method string, t0 time.Time) {
	if s.Verbose {
		log.Printf("engine %s done in %v", method, time.Since(t0))
	}
}

func (s *Server) Query(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	defer s.logDone("Query", time.Now())
	f, wkt, err := decodeQuery(in)
	if err != nil {
		return nil, badRequest(err)
	}
	var region *processor.Region
	if len(wkt) > 0 {
		if region, err = processor.ParseWKTRegion(wkt); err != nil {
			return nil, badRequest(err)
		}
	}
	scenes, err := s.Engine.Query(ctx, f, region)
	if err != nil {
		return nil, statusError(err)
	}
	out, err := toStruct(sceneList{Scenes: scenes})
	return out, statusError(err)
}

func (s *Server) Evaluate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	defer s.logDone("Evaluate", time.Now())
	tile, expr, name, err := decodeEvaluate(in)
	if err != nil {
		return nil, badRequest(err)
	}
	r, err := s.Engine.EvaluateTile(ctx, tile, expr, name)
	if err != nil {
		return nil, statusError(err)
	}
	out, err := EncodeRaster(r)
	return out, statusError(err)
}

func (s *Server) Train(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	defer s.logDone("Train", time.Now())
	table, spec, err := decodeTrain(in)
	if err != nil {
		return nil, badRequest(err)
	}
	m, err := s.Engine.Train(ctx, table, spec)
	if err != nil {
		return nil, statusError(err)
	}
	out, err := toStruct(trainResult{ModelID: m.ID, Kind: m.Kind, Accuracy: m.Accuracy})
	return out, statusError(err)
}

func (s *Server) Classify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	defer s.logDone("Classify", time.Now())
	id, bs, err := decodeClassify(in)
	if err != nil {
		return nil, badRequest(err)
	}
	r, err := s.Engine.Classify(ctx, id, bs)
	if err != nil {
		return nil, statusError(err)
	}
	out, err := EncodeRaster(r)
	return out, statusError(err)
}

func (s *Server) Export(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	defer s.logDone("Export", time.Now())
	bs, spec, err := decodeExport(in)
	if err != nil {
		return nil, badRequest(err)
	}
	jobID, err := s.Engine.SubmitExport(ctx, bs, spec)
	if err != nil {
		return nil, statusError(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"job_id": structpb.NewStringValue(jobID),
	}}, nil
}
