package main

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/gorilla/websocket"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/jnodeman"
	"github.com/jemcash/jnoded/netparams"
	"github.com/jemcash/jnoded/payments"
	"github.com/stretchr/testify/require"
)

type fakeStatusBackend struct {
	entries  []jnode.Entry
	payees   map[int32][]payments.Payee
	pinged   int
	callback jnodeman.NotificationCallback
}

func (b *fakeStatusBackend) Jnodes() []jnode.Entry { return b.entries }

func (b *fakeStatusBackend) Jnode(op wire.OutPoint) (jnode.Entry, bool) {
	for _, e := range b.entries {
		if e.Vin.PreviousOutPoint == op {
			return e, true
		}
	}
	return jnode.Entry{}, false
}

func (b *fakeStatusBackend) Ranks(height int32) []jnodeman.RankedJnode {
	var out []jnodeman.RankedJnode
	for i := range b.entries {
		out = append(out, jnodeman.RankedJnode{Rank: i + 1, Info: b.entries[i].Info()})
	}
	return out
}

func (b *fakeStatusBackend) Payees(height int32) []payments.Payee { return b.payees[height] }

func (b *fakeStatusBackend) NodeStatus() nodeStatus {
	return nodeStatus{Height: 1200, Jnodes: len(b.entries), SyncAsset: "JNODE_SYNC_FINISHED", Synced: true}
}

func (b *fakeStatusBackend) UpdateSentinelPing() bool {
	b.pinged++
	return true
}

func (b *fakeStatusBackend) Subscribe(cb jnodeman.NotificationCallback) { b.callback = cb }

func (b *fakeStatusBackend) Params() *netparams.Params { return &netparams.RegressionNetParams }

func testEntry(seed byte, state jnode.State) jnode.Entry {
	var hash chainhash.Hash
	hash[0] = seed
	return jnode.Entry{
		Vin:             wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: hash, Index: 1}},
		Addr:            jnode.NewService(net.IPv4(10, 0, 0, seed), 28168),
		SigTime:         1000,
		TimeLastPaid:    2000,
		ActiveState:     state,
		ProtocolVersion: jnode.ProtocolVersion,
		BlockLastPaid:   90,
	}
}

func newTestStatusServer() (*statusServer, *fakeStatusBackend) {
	backend := &fakeStatusBackend{
		entries: []jnode.Entry{
			testEntry(1, jnode.StateEnabled),
			testEntry(2, jnode.StateExpired),
		},
		payees: map[int32][]payments.Payee{
			100: {{Script: []byte{0x51}, VoteHashes: make([]chainhash.Hash, 7)}},
		},
	}
	return newStatusServer(backend, "127.0.0.1:0"), backend
}

func doRequest(t *testing.T, s *statusServer, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestStatusJnodes(t *testing.T) {
	s, backend := newTestStatusServer()

	rec := doRequest(t, s, http.MethodGet, "/jnodes")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []jnodeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 2)

	rec = doRequest(t, s, http.MethodGet, "/jnodes?state=enabled")
	require.Equal(t, http.StatusOK, rec.Code)
	var enabled []jnodeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enabled))
	require.Len(t, enabled, 1)
	require.Equal(t, "ENABLED", enabled[0].Status)
	require.Equal(t, backend.entries[0].Vin.PreviousOutPoint.String(), enabled[0].Outpoint)
	require.Equal(t, int32(90), enabled[0].LastPaidBlock)

	rec = doRequest(t, s, http.MethodGet, "/jnodes?state=bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusJnodeByOutpoint(t *testing.T) {
	s, backend := newTestStatusServer()
	op := backend.entries[1].Vin.PreviousOutPoint

	rec := doRequest(t, s, http.MethodGet, "/jnodes/"+op.String())
	require.Equal(t, http.StatusOK, rec.Code)
	var res jnodeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, "EXPIRED", res.Status)
	require.Equal(t, "10.0.0.2:28168", res.Addr)

	dashed := op.Hash.String() + "-1"
	rec = doRequest(t, s, http.MethodGet, "/jnodes/"+dashed)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/jnodes/"+op.Hash.String()+":9")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/jnodes/nothex:1")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusRanksAndPayments(t *testing.T) {
	s, _ := newTestStatusServer()

	rec := doRequest(t, s, http.MethodGet, "/jnodes/rank/100")
	require.Equal(t, http.StatusOK, rec.Code)
	var ranked []jnodeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ranked))
	require.Len(t, ranked, 2)
	require.Equal(t, 1, ranked[0].Rank)
	require.Equal(t, 2, ranked[1].Rank)

	rec = doRequest(t, s, http.MethodGet, "/payments/100")
	require.Equal(t, http.StatusOK, rec.Code)
	var paid paymentsResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paid))
	require.Equal(t, int32(100), paid.Height)
	require.Len(t, paid.Payees, 1)
	require.Equal(t, "51", paid.Payees[0].Script)
	require.Equal(t, 7, paid.Payees[0].Votes)

	rec = doRequest(t, s, http.MethodGet, "/payments/101")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paid))
	require.Empty(t, paid.Payees)
}

func TestStatusNodeAndSentinelPing(t *testing.T) {
	s, backend := newTestStatusServer()

	rec := doRequest(t, s, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var st nodeStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, int32(1200), st.Height)
	require.Equal(t, 2, st.Jnodes)
	require.True(t, st.Synced)

	rec = doRequest(t, s, http.MethodGet, "/sentinelping")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/sentinelping")
	require.Equal(t, http.StatusOK, rec.Code)
	var ping sentinelPingResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ping))
	require.True(t, ping.Recorded)
	require.Equal(t, 1, backend.pinged)
}

func TestStatusWebsocketNotifications(t *testing.T) {
	s, backend := newTestStatusServer()
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	defer s.Stop()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		s.clientsMtx.Lock()
		defer s.clientsMtx.Unlock()
		return len(s.clients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NotNil(t, backend.callback)
	backend.callback(&jnodeman.Notification{Type: jnodeman.NTJnodesAdded, Data: 3})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg notificationResult
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "NTJnodesAdded", msg.Type)
	require.Equal(t, 3, msg.Jnodes)
}
