package compute

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/corestream/pkg/log"
	"github.com/cuemby/corestream/pkg/rpcjson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(rpcjson.Codec{})
}

// exchangeStreamName is the fully-qualified bidirectional-streaming
// method the controller and a real out-of-process replica worker speak:
// the controller sends Commands, the worker replies with Responses, both
// JSON-encoded over the same stream rather than protoc-generated
// messages (see DESIGN.md for why).
const exchangeStreamName = "/corestream.compute.Replica/Exchange"

// serviceDesc is the hand-registered grpc.ServiceDesc standing in for
// generated *_grpc.pb.go code, grounded on the teacher's
// pkg/api.Server/pkg/client.Client mTLS gRPC shape.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "corestream.compute.Replica",
	HandlerType: (*replicaServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// replicaServiceServer is implemented by whatever drives the worker
// side of the Exchange stream; ReplicaWorker is the in-repo reference
// implementation.
type replicaServiceServer interface {
	exchange(stream grpc.ServerStream) error
}

func exchangeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(replicaServiceServer).exchange(stream)
}

// ReplicaWorker is the server side of the compute protocol: it receives
// Commands from a controller and is driven by a caller-supplied handler
// to produce Responses. A real dataflow worker process would embed
// this; corestream itself only needs it to exercise GRPCReplica against
// a real network transport in tests.
type ReplicaWorker struct {
	grpcServer *grpc.Server
	handle     func(Command) []Response
}

// NewReplicaWorker constructs a worker whose Exchange handler calls
// handle for every received Command and streams back its result
// Responses. creds is nil for an insecure listener (tests, loopback
// embedding) or a TLS credentials.TransportCredentials for production.
func NewReplicaWorker(handle func(Command) []Response, creds credentials.TransportCredentials) *ReplicaWorker {
	var opts []grpc.ServerOption
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
	}
	w := &ReplicaWorker{
		grpcServer: grpc.NewServer(opts...),
		handle:     handle,
	}
	w.grpcServer.RegisterService(&serviceDesc, w)
	return w
}

func (w *ReplicaWorker) exchange(stream grpc.ServerStream) error {
	for {
		var cmd Command
		if err := stream.RecvMsg(&cmd); err != nil {
			return err
		}
		for _, resp := range w.handle(cmd) {
			if err := stream.SendMsg(&resp); err != nil {
				return err
			}
		}
	}
}

// Serve starts accepting connections on lis; blocks until Stop is called.
func (w *ReplicaWorker) Serve(lis net.Listener) error {
	return w.grpcServer.Serve(lis)
}

// Stop gracefully stops the worker's gRPC server.
func (w *ReplicaWorker) Stop() {
	w.grpcServer.GracefulStop()
}

// GRPCReplica is the controller-side Replica transport for an
// out-of-process worker, built on google.golang.org/grpc with a
// hand-registered ServiceDesc and the JSON codec in pkg/rpcjson,
// grounded on the teacher's pkg/client.Client (mTLS grpc.Dial,
// context.WithTimeout per call).
type GRPCReplica struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream

	out chan Response

	mu     sync.Mutex
	closed bool
}

// DialGRPCReplica connects to a replica worker at addr. creds is nil for
// an insecure dial (tests, loopback) or TLS credentials for production.
func DialGRPCReplica(ctx context.Context, addr string, creds credentials.TransportCredentials) (*GRPCReplica, error) {
	transportCreds := insecure.NewCredentials()
	if creds != nil {
		transportCreds = creds
	}

	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(transportCreds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpcjson.Name)),
	)
	if err != nil {
		return nil, fmt.Errorf("compute: dial replica %s: %w", addr, err)
	}

	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], exchangeStreamName)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("compute: open exchange stream: %w", err)
	}

	r := &GRPCReplica{
		conn:   conn,
		stream: stream,
		out:    make(chan Response, 64),
	}
	go r.recvLoop()
	return r, nil
}

func (r *GRPCReplica) recvLoop() {
	logger := log.WithComponent("compute")
	defer close(r.out)
	for {
		var resp Response
		if err := r.stream.RecvMsg(&resp); err != nil {
			logger.Warn().Err(err).Msg("replica exchange stream closed")
			return
		}
		select {
		case r.out <- resp:
		default:
		}
	}
}

func (r *GRPCReplica) Send(ctx context.Context, cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return context.Canceled
	}
	return r.stream.SendMsg(&cmd)
}

func (r *GRPCReplica) Recv() <-chan Response { return r.out }

func (r *GRPCReplica) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.conn.Close()
}
