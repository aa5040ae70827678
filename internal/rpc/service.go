// internal/rpc/service.go
// Package rpc serves miner status and control over gRPC.
//
// Messages use the well-known protobuf types so the service needs no
// generated code: status is a Struct, verdicts are BoolValues.
package rpc

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xleth/internal/api"
	"xleth/internal/miner"
	"xleth/pkg/ethash"
)

const ServiceName = "xleth.v1.MinerService"

const (
	methodGetStatus = "/" + ServiceName + "/GetStatus"
	methodVerify    = "/" + ServiceName + "/Verify"
	methodStop      = "/" + ServiceName + "/Stop"
)

// MinerServer is the server API for MinerService.
type MinerServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Verify(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	Stop(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
}

// Server implements MinerService on top of a miner control.
type Server struct {
	control   api.Control
	log       logrus.FieldLogger
	startTime time.Time
}

// NewServer creates a new MinerService implementation
func NewServer(control api.Control, log logrus.FieldLogger) *Server {
	return &Server{
		control:   control,
		log:       log.WithField("component", "rpc"),
		startTime: time.Now(),
	}
}

// GetStatus returns the controller snapshot.
func (s *Server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(StatusFields(s.control.Status(), time.Since(s.startTime)))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return st, nil
}

// Verify checks a solution on the host. Request fields: header, mix_hash,
// boundary (32-byte hex) and nonce (decimal or 0x hex string).
func (s *Server) Verify(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	fields := req.GetFields()

	var hashes [3][32]byte
	for i, name := range []string{"header", "mix_hash", "boundary"} {
		v, ok := fields[name]
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "missing field %q", name)
		}
		h, err := ethash.ParseHash(v.GetStringValue())
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
		}
		hashes[i] = h
	}

	nonce, err := parseNonce(fields["nonce"])
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "nonce: %v", err)
	}

	valid := s.control.Verify(hashes[0], hashes[1], nonce, hashes[2])
	s.log.WithFields(logrus.Fields{"nonce": nonce, "valid": valid}).Info("Verify requested")
	return wrapperspb.Bool(valid), nil
}

// Stop cancels a running search.
func (s *Server) Stop(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	return wrapperspb.Bool(s.control.Stop()), nil
}

func parseNonce(v *structpb.Value) (uint64, error) {
	if v == nil {
		return 0, fmt.Errorf("missing")
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return strconv.ParseUint(k.StringValue, 0, 64)
	case *structpb.Value_NumberValue:
		if k.NumberValue < 0 || k.NumberValue > 1<<53 {
			return 0, fmt.Errorf("%v out of exact range, send a string", k.NumberValue)
		}
		return uint64(k.NumberValue), nil
	default:
		return 0, fmt.Errorf("unsupported type")
	}
}

// StatusFields flattens a snapshot into Struct-compatible values. 64-bit
// counters travel as strings to keep them exact.
func StatusFields(st miner.Status, uptime time.Duration) map[string]any {
	out := map[string]any{
		"phase":            string(st.Phase),
		"backend":          st.Backend,
		"platform":         st.Platform,
		"binary":           st.Binary,
		"loaded":           st.Device != nil,
		"have_epoch":       st.HaveEpoch,
		"epoch":            float64(st.Epoch),
		"dag_size":         float64(st.DagSize),
		"dag_chunks_done":  float64(st.DAGChunksDone),
		"dag_chunks_total": float64(st.DAGChunksTotal),
		"dag_seconds":      st.DAGDuration.Seconds(),
		"target":           fmt.Sprintf("0x%016x", st.Target),
		"start_nonce":      strconv.FormatUint(st.StartNonce, 10),
		"current_nonce":    strconv.FormatUint(st.CurrentNonce, 10),
		"global_work_size": float64(st.GlobalWorkSize),
		"passes":           float64(st.Passes),
		"hash_rate_mhs":    st.HashRate,
		"uptime":           uptime.Truncate(time.Second).String(),
	}
	if st.Device != nil {
		out["device"] = st.Device.Name
	}
	if st.LastError != "" {
		out["last_error"] = st.LastError
	}
	if st.Outcome != nil && st.Outcome.SolutionFound {
		out["solution"] = map[string]any{
			"nonce":    strconv.FormatUint(st.Outcome.Nonce, 10),
			"mix_hash": ethash.FormatHash(st.Outcome.MixHash),
			"found_at": st.FoundAt.Format(time.RFC3339),
		}
	}
	return out
}

// Register attaches srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv MinerServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MinerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "Verify", Handler: verifyHandler},
		{MethodName: "Stop", Handler: stopHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "xleth/v1/miner.proto",
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MinerServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MinerServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func verifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MinerServer).Verify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodVerify}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MinerServer).Verify(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func stopHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MinerServer).Stop(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStop}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MinerServer).Stop(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
