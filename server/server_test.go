package server

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/nodecore/clustercore/cluster"
	"github.com/nodecore/clustercore/config"
	"github.com/nodecore/clustercore/core"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.AddFlags(flags)
	require.NoError(t, flags.Parse(nil))
	cfg, err := config.Load(viper.New(), flags)
	require.NoError(t, err)
	cfg.ControlPlaneJWTSecret = "test-secret"

	cc := core.New(cluster.NodeID{0x01}, cfg, nil, nil)
	return New(cc, "mycluster")
}

func signedToken(t *testing.T, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "test"})
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestHandlerTopologyReturnsMyself(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/clusters/mycluster/topology", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp topologyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "mycluster", resp.ClusterName)
	require.Len(t, resp.Nodes, 1)
	require.True(t, resp.Nodes[0].Primary)
	require.Len(t, resp.Slots, cluster.NumSlots)
}

func TestHandlerTopologyUnknownClusterIs404(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/clusters/other/topology", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerStatusReportsQuorumAndSize(t *testing.T) {
	s := testServer(t)
	s.Core.Cluster.Myself().NumSlotsOwned = 1
	s.Core.Cluster.RecomputeSize()

	req := httptest.NewRequest(http.MethodGet, "/api/clusters/mycluster/status", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Size)
	require.Equal(t, 1, resp.Quorum)
}

func TestHandlerBacklogReportsOffsets(t *testing.T) {
	s := testServer(t)
	s.Core.Backlog.FeedAndAccount([]byte("hello"))

	req := httptest.NewRequest(http.MethodGet, "/api/clusters/mycluster/backlog", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp backlogResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, uint64(5), resp.HistLen)
	require.Equal(t, 1, resp.Blocks)
}

func TestPostWithoutTokenIsUnauthorized(t *testing.T) {
	s := testServer(t)
	body, _ := json.Marshal(meetRequest{IP: "10.0.0.2", Port: 6380})
	req := httptest.NewRequest(http.MethodPost, "/api/clusters/mycluster/cluster/meet", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPostMeetWithValidTokenRegistersNode(t *testing.T) {
	s := testServer(t)
	body, _ := json.Marshal(meetRequest{IP: "10.0.0.2", Port: 6380})
	req := httptest.NewRequest(http.MethodPost, "/api/clusters/mycluster/cluster/meet", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "test-secret"))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 2, s.Core.Cluster.Registry.Len())
}

func TestPostForgetRemovesNode(t *testing.T) {
	s := testServer(t)
	other := cluster.NewNode(cluster.NodeID{0x02})
	s.Core.Cluster.Registry.Insert(other)

	body, _ := json.Marshal(forgetRequest{ID: hex.EncodeToString(other.ID[:])})
	req := httptest.NewRequest(http.MethodPost, "/api/clusters/mycluster/cluster/forget", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "test-secret"))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	_, ok := s.Core.Cluster.Registry.Get(other.ID)
	require.False(t, ok)
}

func TestPostForgetRejectsSelf(t *testing.T) {
	s := testServer(t)
	body, _ := json.Marshal(forgetRequest{ID: hex.EncodeToString(s.Core.Cluster.MyselfID[:])})
	req := httptest.NewRequest(http.MethodPost, "/api/clusters/mycluster/cluster/forget", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "test-secret"))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostSetSlotNodeAssignsSlot(t *testing.T) {
	s := testServer(t)
	myself := s.Core.Cluster.Myself()

	body, _ := json.Marshal(setSlotRequest{Slot: 42, State: "node", NodeID: hex.EncodeToString(myself.ID[:])})
	req := httptest.NewRequest(http.MethodPost, "/api/clusters/mycluster/cluster/setslot", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "test-secret"))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	owner, ok := s.Core.Cluster.SlotOwner(42)
	require.True(t, ok)
	require.Equal(t, myself.ID, owner.ID)
}

func TestPostFailoverRejectsNonReplica(t *testing.T) {
	s := testServer(t)
	body, _ := json.Marshal(failoverRequest{Mode: "TAKEOVER"})
	req := httptest.NewRequest(http.MethodPost, "/api/clusters/mycluster/cluster/failover", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "test-secret"))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
}
