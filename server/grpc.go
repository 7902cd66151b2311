package server

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// jsonCodec lets the ClusterSnapshots service run over grpc's framing
// (length-prefixed messages, HTTP/2 streams, deadlines) without a protoc
// toolchain: messages are plain JSON-tagged structs instead of generated
// proto.Message types, registered under the "json" content-subtype so a
// client requesting it (grpc.CallContentSubtype("json")) negotiates the
// same codec automatically.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// SnapshotRequest is the ClusterSnapshots.SnapshotStream request message.
type SnapshotRequest struct {
	ClusterName    string `json:"cluster_name"`
	IntervalMillis int64  `json:"interval_millis,omitempty"`
}

// TopologySnapshot is one pushed frame of the snapshot stream, the same
// shape handlerTopology returns over HTTP.
type TopologySnapshot struct {
	ClusterName  string     `json:"cluster_name"`
	CurrentEpoch uint64     `json:"current_epoch"`
	Size         int        `json:"size"`
	Nodes        []nodeView `json:"nodes"`
}

func (s *Server) buildSnapshot() *TopologySnapshot {
	c := s.Core.Cluster
	snap := &TopologySnapshot{
		ClusterName:  s.ClusterName,
		CurrentEpoch: c.CurrentEpoch,
		Size:         c.Size,
	}
	for _, n := range c.Registry.All() {
		snap.Nodes = append(snap.Nodes, toNodeView(n))
	}
	return snap
}

// ClusterSnapshotsServer is the service interface a hand-rolled client
// stub would dial against; equivalent to what protoc-gen-go-grpc would
// emit for a `service ClusterSnapshots { rpc SnapshotStream(...) returns
// (stream TopologySnapshot); }` definition.
type ClusterSnapshotsServer interface {
	SnapshotStream(*SnapshotRequest, ClusterSnapshots_SnapshotStreamServer) error
}

// ClusterSnapshots_SnapshotStreamServer is the send-half of the server
// stream, mirroring the generated `<Service>_<Method>Server` interface.
type ClusterSnapshots_SnapshotStreamServer interface {
	Send(*TopologySnapshot) error
	grpc.ServerStream
}

type clusterSnapshotsSnapshotStreamServer struct {
	grpc.ServerStream
}

func (x *clusterSnapshotsSnapshotStreamServer) Send(m *TopologySnapshot) error {
	return x.ServerStream.SendMsg(m)
}

func clusterSnapshotsSnapshotStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(SnapshotRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ClusterSnapshotsServer).SnapshotStream(req, &clusterSnapshotsSnapshotStreamServer{stream})
}

// clusterSnapshotsServiceDesc is the hand-written equivalent of the
// *_grpc.pb.go ServiceDesc protoc-gen-go-grpc would generate.
var clusterSnapshotsServiceDesc = grpc.ServiceDesc{
	ServiceName: "clustercore.ClusterSnapshots",
	HandlerType: (*ClusterSnapshotsServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SnapshotStream",
			Handler:       clusterSnapshotsSnapshotStreamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "clustercore/snapshot.proto",
}

// snapshotService adapts *Server to ClusterSnapshotsServer.
type snapshotService struct {
	s *Server
}

// SnapshotStream pushes a topology snapshot immediately and then again
// on every interval until the client disconnects or the cluster name
// doesn't match, the streaming analogue of the topology HTTP endpoint.
func (svc *snapshotService) SnapshotStream(req *SnapshotRequest, stream ClusterSnapshots_SnapshotStreamServer) error {
	if req.ClusterName != svc.s.ClusterName {
		return fmt.Errorf("unknown cluster %q", req.ClusterName)
	}
	interval := time.Duration(req.IntervalMillis) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := stream.Send(svc.s.buildSnapshot()); err != nil {
		return err
	}
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := stream.Send(svc.s.buildSnapshot()); err != nil {
				return err
			}
		}
	}
}

// NewGRPCServer builds the grpc.Server hosting the ClusterSnapshots
// service for s.
func NewGRPCServer(s *Server) *grpc.Server {
	gs := grpc.NewServer()
	gs.RegisterService(&clusterSnapshotsServiceDesc, &snapshotService{s: s})
	return gs
}
