package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"yuzu/tutor/internal/loop"
	"yuzu/tutor/internal/registry"
	"yuzu/tutor/internal/tutor"
)

// Server implements the Sequencer gRPC service on top of the dispatcher, so
// directives served here reach the session's worker as well.
type Server struct {
	disp     *loop.Dispatcher
	sessions *registry.Registry
	log      *zap.Logger
}

func NewServer(disp *loop.Dispatcher, sessions *registry.Registry, log *zap.Logger) *Server {
	return &Server{disp: disp, sessions: sessions, log: log.Named("orch")}
}

func (s *Server) Advance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sid, err := sessionID(in)
	if err != nil {
		return nil, err
	}
	d, err := s.disp.Turn(ctx, sid)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(d)
}

func (s *Server) RaiseHand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sid, err := sessionID(in)
	if err != nil {
		return nil, err
	}
	if err := s.disp.RaiseHand(sid); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"ok": true})
}

func (s *Server) LowerHand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sid, err := sessionID(in)
	if err != nil {
		return nil, err
	}
	if err := s.disp.LowerHand(sid); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"ok": true})
}

func (s *Server) ConfirmUnderstanding(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sid, err := sessionID(in)
	if err != nil {
		return nil, err
	}
	ok, err := s.disp.Understood(ctx, sid, in.GetFields()["response"].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"understood": ok})
}

func (s *Server) Interrupt(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sid, err := sessionID(in)
	if err != nil {
		return nil, err
	}
	ok, err := s.disp.Interrupt(sid)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"honoured": ok})
}

func (s *Server) Progress(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sid, err := sessionID(in)
	if err != nil {
		return nil, err
	}
	sess, ok := s.sessions.Get(sid)
	if !ok {
		return nil, toStatus(loop.ErrUnknownSession)
	}
	return toStruct(sess.Progress())
}

func sessionID(in *structpb.Struct) (string, error) {
	sid := in.GetFields()["session_id"].GetStringValue()
	if sid == "" {
		return "", status.Error(codes.InvalidArgument, "session_id required")
	}
	return sid, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, loop.ErrUnknownSession):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, tutor.ErrSessionFailed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts a JSON-tagged value into a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// fromStruct is the inverse of toStruct.
func fromStruct(in *structpb.Struct, v any) error {
	b, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
