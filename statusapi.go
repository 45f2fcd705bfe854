package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jemcash/jnoded/internal/log"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/jnodeman"
	"github.com/jemcash/jnoded/netparams"
	"github.com/jemcash/jnoded/payments"
)

const (
	// statusWriteTimeout bounds writes to websocket clients.
	statusWriteTimeout = 10 * time.Second

	// maxStatusClients is the number of concurrent websocket clients.
	maxStatusClients = 16
)

// statusBackend is what the status API reads from.
type statusBackend interface {
	Jnodes() []jnode.Entry
	Jnode(op wire.OutPoint) (jnode.Entry, bool)
	Ranks(height int32) []jnodeman.RankedJnode
	Payees(height int32) []payments.Payee
	NodeStatus() nodeStatus
	UpdateSentinelPing() bool
	Subscribe(jnodeman.NotificationCallback)
	Params() *netparams.Params
}

// nodeStatus is the reply of GET /status.
type nodeStatus struct {
	Height       int32   `json:"height"`
	Peers        int     `json:"peers"`
	Jnodes       int     `json:"jnodes"`
	SyncAsset    string  `json:"syncasset"`
	SyncStatus   string  `json:"syncstatus"`
	SyncProgress float64 `json:"syncprogress"`
	Synced       bool    `json:"synced"`
	Payments     string  `json:"payments"`
	Jnode        bool    `json:"jnode"`
	JnodeState   string  `json:"jnodestate,omitempty"`
	JnodeType    string  `json:"jnodetype,omitempty"`
	JnodeStatus  string  `json:"jnodestatus,omitempty"`
	JnodeAddr    string  `json:"jnodeaddr,omitempty"`
}

type jnodeResult struct {
	Rank          int    `json:"rank,omitempty"`
	Outpoint      string `json:"outpoint"`
	Addr          string `json:"addr"`
	Payee         string `json:"payee,omitempty"`
	Status        string `json:"status"`
	Protocol      int32  `json:"protocol"`
	LastSeen      int64  `json:"lastseen"`
	ActiveSeconds int64  `json:"activeseconds"`
	LastPaidTime  int64  `json:"lastpaidtime"`
	LastPaidBlock int32  `json:"lastpaidblock"`
	PoSeBanScore  int32  `json:"posebanscore"`
}

type payeeResult struct {
	Payee  string `json:"payee"`
	Script string `json:"script"`
	Votes  int    `json:"votes"`
}

type paymentsResult struct {
	Height int32         `json:"height"`
	Payees []payeeResult `json:"payees"`
}

type sentinelPingResult struct {
	Recorded bool `json:"recorded"`
}

type notificationResult struct {
	Type   string `json:"type"`
	Jnodes int    `json:"jnodes"`
}

type errorResult struct {
	Error string `json:"error"`
}

// statusServer serves the read-only jnode status API and streams registry
// changes to websocket clients.
type statusServer struct {
	backend  statusBackend
	router   *mux.Router
	httpSrv  *http.Server
	listen   string
	upgrader websocket.Upgrader

	clientsMtx sync.Mutex
	clients    map[*statusClient]struct{}

	quit chan struct{}
	wg   sync.WaitGroup
}

type statusClient struct {
	conn *websocket.Conn
	send chan notificationResult
}

func newStatusServer(backend statusBackend, listen string) *statusServer {
	s := &statusServer{
		backend: backend,
		listen:  listen,
		clients: make(map[*statusClient]struct{}),
		quit:    make(chan struct{}),
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/jnodes", s.handleJnodes).Methods("GET")
	s.router.HandleFunc("/jnodes/rank/{height:[0-9]+}", s.handleRanks).Methods("GET")
	s.router.HandleFunc("/jnodes/{outpoint}", s.handleJnode).Methods("GET")
	s.router.HandleFunc("/payments/{height:[0-9]+}", s.handlePayments).Methods("GET")
	s.router.HandleFunc("/sentinelping", s.handleSentinelPing).Methods("POST")
	s.router.HandleFunc("/ws", s.handleWebsocket).Methods("GET")
	s.router.Use(s.logRequests)

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	backend.Subscribe(s.handleNotification)
	return s
}

// Start begins serving on the configured address.
func (s *statusServer) Start() {
	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		log.HttpLog.Errorf("Can't listen on %s: %v", s.listen, err)
		return
	}
	log.HttpLog.Infof("Status API listening on %s", listener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.httpSrv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.HttpLog.Errorf("Status API stopped: %v", err)
		}
	}()
}

// Stop closes the listener and every websocket client.
func (s *statusServer) Stop() {
	close(s.quit)
	s.httpSrv.Close()

	s.clientsMtx.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clientsMtx.Unlock()
	s.wg.Wait()
}

func (s *statusServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.HttpLog.Debugf("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.HttpLog.Debugf("Can't write reply: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResult{Error: msg})
}

// payeeAddress renders a payment script as an address, or "" when it is not
// a standard script.
func payeeAddress(script []byte, params *netparams.Params) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params.Chain)
	if err != nil || len(addrs) != 1 {
		return ""
	}
	return addrs[0].EncodeAddress()
}

func newJnodeResult(info jnode.Info, params *netparams.Params) jnodeResult {
	r := jnodeResult{
		Outpoint:      info.Vin.PreviousOutPoint.String(),
		Addr:          info.Addr.String(),
		Status:        info.ActiveState.String(),
		Protocol:      info.ProtocolVersion,
		LastSeen:      info.TimeLastPing,
		LastPaidTime:  info.TimeLastPaid,
		LastPaidBlock: info.BlockLastPaid,
		PoSeBanScore:  info.PoSeBanScore,
	}
	if info.TimeLastPing > info.SigTime {
		r.ActiveSeconds = info.TimeLastPing - info.SigTime
	}
	if script := jnode.PayToPubKeyHashScript(info.PubKeyCollateral); script != nil {
		r.Payee = payeeAddress(script, params)
	}
	return r
}

// parseOutpoint parses "txid:index" or "txid-index".
func parseOutpoint(str string) (wire.OutPoint, error) {
	sep := strings.LastIndexAny(str, ":-")
	if sep < 0 {
		return wire.OutPoint{}, errors.New("outpoint must be txid:index")
	}
	hash, err := chainhash.NewHashFromStr(str[:sep])
	if err != nil {
		return wire.OutPoint{}, err
	}
	index, err := strconv.ParseUint(str[sep+1:], 10, 32)
	if err != nil {
		return wire.OutPoint{}, err
	}
	return wire.OutPoint{Hash: *hash, Index: uint32(index)}, nil
}

func parseHeight(str string) (int32, error) {
	h, err := strconv.ParseInt(str, 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(h), nil
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.NodeStatus())
}

func (s *statusServer) handleJnodes(w http.ResponseWriter, r *http.Request) {
	var (
		filter    jnode.State
		hasFilter bool
	)
	if str := r.URL.Query().Get("state"); str != "" {
		state, ok := jnode.ParseState(strings.ToUpper(str))
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown state "+str)
			return
		}
		filter, hasFilter = state, true
	}

	params := s.backend.Params()
	list := make([]jnodeResult, 0)
	for _, e := range s.backend.Jnodes() {
		info := e.Info()
		if hasFilter && info.ActiveState != filter {
			continue
		}
		list = append(list, newJnodeResult(info, params))
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *statusServer) handleJnode(w http.ResponseWriter, r *http.Request) {
	op, err := parseOutpoint(mux.Vars(r)["outpoint"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, ok := s.backend.Jnode(op)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown jnode "+op.String())
		return
	}
	writeJSON(w, http.StatusOK, newJnodeResult(e.Info(), s.backend.Params()))
}

func (s *statusServer) handleRanks(w http.ResponseWriter, r *http.Request) {
	height, err := parseHeight(mux.Vars(r)["height"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params := s.backend.Params()
	ranked := s.backend.Ranks(height)
	list := make([]jnodeResult, 0, len(ranked))
	for _, rj := range ranked {
		res := newJnodeResult(rj.Info, params)
		res.Rank = rj.Rank
		list = append(list, res)
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *statusServer) handlePayments(w http.ResponseWriter, r *http.Request) {
	height, err := parseHeight(mux.Vars(r)["height"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params := s.backend.Params()
	res := paymentsResult{Height: height, Payees: make([]payeeResult, 0)}
	for _, p := range s.backend.Payees(height) {
		res.Payees = append(res.Payees, payeeResult{
			Payee:  payeeAddress(p.Script, params),
			Script: hex.EncodeToString(p.Script),
			Votes:  len(p.VoteHashes),
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *statusServer) handleSentinelPing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sentinelPingResult{
		Recorded: s.backend.UpdateSentinelPing(),
	})
}

// handleNotification is called by the registry with its lock held, so it
// never blocks on a client.
func (s *statusServer) handleNotification(n *jnodeman.Notification) {
	size, _ := n.Data.(int)
	msg := notificationResult{Type: n.Type.String(), Jnodes: size}

	s.clientsMtx.Lock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			log.HttpLog.Debugf("Dropping notification for slow client %s",
				c.conn.RemoteAddr())
		}
	}
	s.clientsMtx.Unlock()
}

func (s *statusServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	s.clientsMtx.Lock()
	full := len(s.clients) >= maxStatusClients
	s.clientsMtx.Unlock()
	if full {
		writeError(w, http.StatusServiceUnavailable, "too many clients")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.HttpLog.Debugf("Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	c := &statusClient{conn: conn, send: make(chan notificationResult, 32)}

	s.clientsMtx.Lock()
	s.clients[c] = struct{}{}
	s.clientsMtx.Unlock()
	log.HttpLog.Debugf("New websocket client %s", conn.RemoteAddr())

	s.wg.Add(1)
	go s.clientHandler(c)
}

// clientHandler writes notifications to c until it goes away.  Reads only
// serve to notice the close.
func (s *statusServer) clientHandler(c *statusClient) {
	defer s.wg.Done()
	defer func() {
		s.clientsMtx.Lock()
		delete(s.clients, c)
		s.clientsMtx.Unlock()
		c.conn.Close()
	}()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(statusWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.HttpLog.Debugf("Websocket client %s: %v", c.conn.RemoteAddr(), err)
				return
			}
		case <-gone:
			return
		case <-s.quit:
			return
		}
	}
}

// The server is the status API backend.

func (s *server) Jnodes() []jnode.Entry { return s.jnodes.FullList() }

func (s *server) Jnode(op wire.OutPoint) (jnode.Entry, bool) { return s.jnodes.Get(op) }

func (s *server) Ranks(height int32) []jnodeman.RankedJnode {
	return s.jnodes.Ranks(height, -1)
}

func (s *server) Payees(height int32) []payments.Payee { return s.payments.Payees(height) }

func (s *server) Subscribe(callback jnodeman.NotificationCallback) {
	s.jnodes.Subscribe(callback)
}

func (s *server) Params() *netparams.Params { return s.params }

func (s *server) NodeStatus() nodeStatus {
	st := nodeStatus{
		Height:       atomic.LoadInt32(&s.tipHeight),
		Jnodes:       s.jnodes.Size(),
		SyncAsset:    s.syncManager.Asset().String(),
		SyncStatus:   s.syncManager.Status(),
		SyncProgress: s.syncManager.Progress(),
		Synced:       s.syncManager.IsSynced(),
		Payments:     s.payments.String(),
		Jnode:        s.active.IsJnode(),
	}
	if peers, ok := s.peers(); ok {
		st.Peers = len(peers)
	}
	if cfg != nil && cfg.Jnode {
		snap := s.active.Snapshot()
		st.JnodeState = snap.State.String()
		st.JnodeType = snap.Type.String()
		st.JnodeStatus = snap.Status
		st.JnodeAddr = snap.Service.String()
	}
	return st
}
