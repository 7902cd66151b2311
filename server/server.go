// Package server implements C12's control plane: an HTTP API (gorilla/mux
// + negroni) and a gRPC topology-stream service, mirroring the teacher's
// server/api.go apiserver()/validateTokenMiddleware layout but re-targeted
// at cluster topology instead of a MariaDB monitor.
package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/codegangsta/negroni"
	jwt "github.com/dgrijalva/jwt-go"
	"github.com/dgrijalva/jwt-go/request"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/nodecore/clustercore/cluster"
	"github.com/nodecore/clustercore/core"
)

// Server owns the HTTP control plane for one ClusterCore. The teacher
// keeps the same coupling (ReplicationManager's handlers close over
// *repman directly); here it is an explicit struct field instead of a
// package-level receiver.
type Server struct {
	Core        *core.ClusterCore
	ClusterName string
	Log         *logrus.Entry

	// Ctx scopes background work a handler kicks off (e.g. the
	// replication connect driver CLUSTER REPLICATE starts), which must
	// outlive the HTTP request that triggered it. Defaults to
	// context.Background(); main wires it to the process lifetime ctx.
	Ctx context.Context

	jwtSecret []byte
}

// New builds a Server bound to cc, serving under the given cluster name
// (the {name} path segment every route validates against).
func New(cc *core.ClusterCore, clusterName string) *Server {
	log := cc.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		Core:        cc,
		ClusterName: clusterName,
		Log:         log,
		Ctx:         context.Background(),
		jwtSecret:   []byte(cc.Config.ControlPlaneJWTSecret),
	}
}

// Router builds the gorilla/mux router, wrapping each route in a negroni
// chain the same way the teacher's apiserver() does: read endpoints are
// open, write endpoints additionally run validateTokenMiddleware.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	get := func(path string, h http.HandlerFunc) {
		router.Handle(path, negroni.New(
			negroni.NewRecovery(),
			negroni.Wrap(h),
		)).Methods(http.MethodGet)
	}
	post := func(path string, h http.HandlerFunc) {
		router.Handle(path, negroni.New(
			negroni.NewRecovery(),
			negroni.HandlerFunc(s.validateTokenMiddleware),
			negroni.Wrap(h),
		)).Methods(http.MethodPost)
	}

	get("/api/clusters/{name}/topology", s.handlerTopology)
	get("/api/clusters/{name}/status", s.handlerStatus)
	get("/api/clusters/{name}/backlog", s.handlerBacklog)
	post("/api/clusters/{name}/cluster/meet", s.handlerMeet)
	post("/api/clusters/{name}/cluster/forget", s.handlerForget)
	post("/api/clusters/{name}/cluster/failover", s.handlerFailover)
	post("/api/clusters/{name}/cluster/setslot", s.handlerSetSlot)
	post("/api/clusters/{name}/cluster/replicate", s.handlerReplicate)

	return router
}

// validateTokenMiddleware mirrors the teacher's bearer-JWT gate
// (request.ParseFromRequest + AuthorizationHeaderExtractor); the
// signing key is an HMAC secret loaded from config rather than a
// startup-generated RSA keypair, since the control plane has no
// equivalent of the teacher's browser login flow to hand a keypair to.
func (s *Server) validateTokenMiddleware(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if len(s.jwtSecret) == 0 {
		http.Error(w, "control-plane auth not configured", http.StatusServiceUnavailable)
		return
	}
	token, err := request.ParseFromRequest(r, request.AuthorizationHeaderExtractor,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.jwtSecret, nil
		})
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "unauthorised access to this resource: "+err.Error())
		return
	}
	if !token.Valid {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "token is not valid")
		return
	}
	next(w, r)
}

func (s *Server) clusterMatches(w http.ResponseWriter, r *http.Request) bool {
	if name := mux.Vars(r)["name"]; name != s.ClusterName {
		http.Error(w, "unknown cluster "+name, http.StatusNotFound)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func nodeID(s string) (cluster.NodeID, error) {
	var id cluster.NodeID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("invalid node id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

// --- GET handlers ---

type nodeView struct {
	ID          string `json:"id"`
	Hostname    string `json:"hostname"`
	ClientPort  int    `json:"client_port"`
	ClusterPort int    `json:"cluster_port"`
	ShardID     string `json:"shard_id"`
	ReplicaOf   string `json:"replica_of,omitempty"`
	Primary     bool   `json:"primary"`
	Replica     bool   `json:"replica"`
	PFail       bool   `json:"pfail"`
	Fail        bool   `json:"fail"`
	Healthy     bool   `json:"healthy"`
	ConfigEpoch uint64 `json:"config_epoch"`
	SlotsOwned  int    `json:"slots_owned"`
}

type topologyResponse struct {
	ClusterName  string     `json:"cluster_name"`
	CurrentEpoch uint64     `json:"current_epoch"`
	Size         int        `json:"size"`
	Nodes        []nodeView `json:"nodes"`
	Slots        []string   `json:"slots"` // 16384 entries, hex node id or "" when unassigned
}

func toNodeView(n *cluster.Node) nodeView {
	v := nodeView{
		ID:          hex.EncodeToString(n.ID[:]),
		Hostname:    n.Hostname,
		ClientPort:  n.ClientPort,
		ClusterPort: n.ClusterPort,
		ShardID:     hex.EncodeToString(n.ShardID[:]),
		Primary:     n.HasFlag(cluster.FlagPrimary),
		Replica:     n.HasFlag(cluster.FlagReplica),
		PFail:       n.HasFlag(cluster.FlagPFail),
		Fail:        n.HasFlag(cluster.FlagFail),
		Healthy:     n.Healthy(),
		ConfigEpoch: n.ConfigEpoch,
		SlotsOwned:  n.NumSlotsOwned,
	}
	if n.HasFlag(cluster.FlagReplica) {
		v.ReplicaOf = hex.EncodeToString(n.ReplicaOf[:])
	}
	return v
}

func (s *Server) handlerTopology(w http.ResponseWriter, r *http.Request) {
	if !s.clusterMatches(w, r) {
		return
	}
	c := s.Core.Cluster
	resp := topologyResponse{
		ClusterName:  s.ClusterName,
		CurrentEpoch: c.CurrentEpoch,
		Size:         c.Size,
	}
	for _, n := range c.Registry.All() {
		resp.Nodes = append(resp.Nodes, toNodeView(n))
	}
	resp.Slots = make([]string, cluster.NumSlots)
	for slot := 0; slot < cluster.NumSlots; slot++ {
		if owner, ok := c.SlotOwner(slot); ok {
			resp.Slots[slot] = hex.EncodeToString(owner.ID[:])
		}
	}
	writeJSON(w, resp)
}

type statusResponse struct {
	ClusterName  string `json:"cluster_name"`
	Size         int    `json:"size"`
	Quorum       int    `json:"quorum"`
	CurrentEpoch uint64 `json:"current_epoch"`
	FailCount    int    `json:"fail_count"`
	PFailCount   int    `json:"pfail_count"`
	KnownNodes   int    `json:"known_nodes"`
}

func (s *Server) handlerStatus(w http.ResponseWriter, r *http.Request) {
	if !s.clusterMatches(w, r) {
		return
	}
	c := s.Core.Cluster
	resp := statusResponse{
		ClusterName:  s.ClusterName,
		Size:         c.Size,
		Quorum:       c.Quorum(),
		CurrentEpoch: c.CurrentEpoch,
		KnownNodes:   c.Registry.Len(),
	}
	for _, n := range c.Registry.All() {
		if n.HasFlag(cluster.FlagFail) {
			resp.FailCount++
		}
		if n.HasFlag(cluster.FlagPFail) {
			resp.PFailCount++
		}
	}
	writeJSON(w, resp)
}

type backlogResponse struct {
	Offset        uint64 `json:"offset"`
	HistLen       uint64 `json:"histlen"`
	PrimaryOffset uint64 `json:"primary_offset"`
	Blocks        int    `json:"blocks"`
}

func (s *Server) handlerBacklog(w http.ResponseWriter, r *http.Request) {
	if !s.clusterMatches(w, r) {
		return
	}
	bl := s.Core.Backlog
	writeJSON(w, backlogResponse{
		Offset:        bl.Offset,
		HistLen:       bl.HistLen,
		PrimaryOffset: bl.PrimaryOffset,
		Blocks:        bl.BlockCount(),
	})
}

// --- POST handlers ---

type meetRequest struct {
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	BusPort int    `json:"bus_port,omitempty"`
}

// handlerMeet implements CLUSTER MEET ip port [busport]: it registers a
// handshake-pending node and, if a transport is wired, dials it. The
// peer's real id and shard membership are only known once the
// handshake's PONG arrives (§4.2); until then the node is addressable
// only by the temporary id generated here.
func (s *Server) handlerMeet(w http.ResponseWriter, r *http.Request) {
	if !s.clusterMatches(w, r) {
		return
	}
	var req meetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	ip := net.ParseIP(req.IP)
	if ip == nil || req.Port <= 0 {
		http.Error(w, "ip and port are required", http.StatusBadRequest)
		return
	}
	busPort := req.BusPort
	if busPort == 0 {
		busPort = req.Port + 10000
	}

	id := tempNodeID()
	n := cluster.NewNode(id)
	n.PeerIP = ip
	n.ClientIPv4 = ip
	n.ClientPort = req.Port
	n.ClusterPort = busPort
	n.AddFlag(cluster.FlagHandshake | cluster.FlagMeet)
	s.Core.Cluster.Registry.Insert(n)

	if s.Core.Gossip != nil && s.Core.Gossip.Transport != nil {
		if _, err := s.Core.Gossip.Transport.Dial(n); err != nil {
			s.Log.WithError(err).WithField("addr", req.IP).Warn("meet: dial failed, will retry on next gossip cron")
		}
	}
	writeJSON(w, map[string]string{"id": hex.EncodeToString(id[:])})
}

type forgetRequest struct {
	ID string `json:"id"`
}

func (s *Server) handlerForget(w http.ResponseWriter, r *http.Request) {
	if !s.clusterMatches(w, r) {
		return
	}
	var req forgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	id, err := nodeID(req.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if id == s.Core.Cluster.MyselfID {
		http.Error(w, "cannot forget myself", http.StatusBadRequest)
		return
	}
	s.Core.Cluster.Registry.Blacklist(id, time.Now(), 60*time.Second)
	s.Core.Cluster.Registry.Delete(id)
	s.Core.Cluster.RecomputeSize()
	writeJSON(w, map[string]bool{"ok": true})
}

type failoverRequest struct {
	Mode string `json:"mode"` // "", "FORCE", or "TAKEOVER"
}

// handlerFailover implements CLUSTER FAILOVER [FORCE|TAKEOVER] against
// the calling node, which must be a replica. TAKEOVER bypasses the vote
// entirely and promotes locally (§4.7); the default and FORCE modes both
// start a manual election and let the usual quorum machinery run to
// completion on later cron ticks.
func (s *Server) handlerFailover(w http.ResponseWriter, r *http.Request) {
	if !s.clusterMatches(w, r) {
		return
	}
	var req failoverRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	myself := s.Core.Cluster.Myself()
	if myself == nil || !myself.HasFlag(cluster.FlagReplica) {
		http.Error(w, "this node is not a replica", http.StatusConflict)
		return
	}
	primary, ok := s.Core.Cluster.Registry.Get(myself.ReplicaOf)
	if !ok {
		http.Error(w, "replica has no known primary", http.StatusConflict)
		return
	}

	if req.Mode == "TAKEOVER" {
		s.Core.Failover.Promote(myself, primary)
		writeJSON(w, map[string]string{"status": "promoted"})
		return
	}

	s.Core.Failover.ReplicaStartManualFailover(s.Core.Config.MFTimeout)
	epoch := s.Core.Failover.StartElection(myself, true)
	writeJSON(w, map[string]interface{}{"status": "election_started", "epoch": epoch})
}

type replicateRequest struct {
	PrimaryID string `json:"primary_id"`
}

// handlerReplicate implements CLUSTER REPLICATE <primary-id>: flips this
// node into a replica of the named primary and starts the connect/
// handshake driver against it in the background (§4.10).
func (s *Server) handlerReplicate(w http.ResponseWriter, r *http.Request) {
	if !s.clusterMatches(w, r) {
		return
	}
	var req replicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	primaryID, err := nodeID(req.PrimaryID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Core.ReplicateFrom(s.Ctx, primaryID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"status": "replicating"})
}

type setSlotRequest struct {
	Slot   int    `json:"slot"`
	State  string `json:"state"` // "node", "migrating", "importing", "stable"
	NodeID string `json:"node_id,omitempty"`
}

// handlerSetSlot implements CLUSTER SETSLOT slot IMPORTING|MIGRATING
// <node>|NODE <node>|STABLE.
func (s *Server) handlerSetSlot(w http.ResponseWriter, r *http.Request) {
	if !s.clusterMatches(w, r) {
		return
	}
	var req setSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Slot < 0 || req.Slot >= cluster.NumSlots {
		http.Error(w, "slot out of range", http.StatusBadRequest)
		return
	}
	myself := s.Core.Cluster.Myself()
	if myself == nil {
		http.Error(w, "node not initialized", http.StatusInternalServerError)
		return
	}

	switch req.State {
	case "migrating":
		target, err := nodeID(req.NodeID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		myself.MigratingTo[req.Slot] = target
	case "importing":
		source, err := nodeID(req.NodeID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		myself.ImportingFrom[req.Slot] = source
	case "stable":
		delete(myself.MigratingTo, req.Slot)
		delete(myself.ImportingFrom, req.Slot)
	case "node":
		target, err := nodeID(req.NodeID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		newEpoch := s.Core.Epoch.AllocateEpoch()
		if n, ok := s.Core.Cluster.Registry.Get(target); ok {
			n.ConfigEpoch = newEpoch
			s.Core.Epoch.ApplySlotClaim(n, newEpoch, req.Slot, myself)
		}
		delete(myself.MigratingTo, req.Slot)
		delete(myself.ImportingFrom, req.Slot)
	default:
		http.Error(w, "state must be one of migrating, importing, stable, node", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

// tempNodeID generates a placeholder id for a not-yet-handshaken peer,
// the same LCG-based generator core.randomReplID uses for a process's
// own replication id.
func tempNodeID() cluster.NodeID {
	var id cluster.NodeID
	seed := uint64(time.Now().UnixNano())
	for i := range id {
		seed = seed*6364136223846793005 + 1442695040888963407
		id[i] = byte(seed >> 33)
	}
	return id
}
