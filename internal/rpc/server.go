package rpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// NewGRPCServer returns a gRPC server with MinerService registered and a
// logging interceptor installed.
func NewGRPCServer(srv MinerServer, log logrus.FieldLogger) *grpc.Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		entry := log.WithFields(logrus.Fields{"method": info.FullMethod, "latency": time.Since(start)})
		if err != nil {
			entry.WithError(err).Warn("rpc failed")
		} else {
			entry.Debug("rpc")
		}
		return resp, err
	}))
	Register(s, srv)
	return s
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, srv MinerServer, log logrus.FieldLogger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s := NewGRPCServer(srv, log)

	errCh := make(chan error, 1)
	go func() {
		log.Infof("gRPC server listening on %s", lis.Addr())
		errCh <- s.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.GracefulStop()
		log.Info("gRPC server stopped")
		return nil
	}
}

// Client calls MinerService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a MinerService at addr.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection
func (c *Client) Close() error { return c.conn.Close() }

// Status fetches the controller snapshot.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodGetStatus, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Verify asks the server to check a solution.
func (c *Client) Verify(ctx context.Context, header, mixHash string, nonce uint64, boundary string) (bool, error) {
	req, err := structpb.NewStruct(map[string]any{
		"header":   header,
		"mix_hash": mixHash,
		"nonce":    fmt.Sprintf("%d", nonce),
		"boundary": boundary,
	})
	if err != nil {
		return false, err
	}
	out := new(wrapperspb.BoolValue)
	if err := c.conn.Invoke(ctx, methodVerify, req, out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// Stop cancels a running search.
func (c *Client) Stop(ctx context.Context) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.conn.Invoke(ctx, methodStop, &emptypb.Empty{}, out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}
