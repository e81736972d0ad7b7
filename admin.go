package eventbus

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// AdminServer exposes the bus's operational surface over HTTP
// (SPEC_FULL.md §11). Grounded on the teacher's admin_server.go (same
// listen-then-Start/Stop lifecycle, same "API responses are JSON, admin
// network only" posture; the GET / dashboard page is HTML), routed with gorilla/mux instead of the
// teacher's bare http.ServeMux — the rest of the example corpus already
// reaches for gorilla/mux for exactly this kind of small JSON admin API.
type AdminServer struct {
	bus      *Bus
	server   *http.Server
	listener net.Listener
}

func newAdminServer(bus *Bus, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	as := &AdminServer{
		bus:      bus,
		listener: ln,
		server: &http.Server{
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}

	r.HandleFunc("/status", as.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/addresses", as.handleAddresses).Methods(http.MethodGet)
	r.HandleFunc("/peers", as.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP).Methods(http.MethodGet)
	r.HandleFunc("/", as.handleDashboard).Methods(http.MethodGet)

	return as, nil
}

// Addr returns the listener's bound address, useful when addr was ":0".
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving admin HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("eventbus: admin server error", "error", err)
		}
	}()
	slog.Info("eventbus: admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// statusResponse is the JSON structure for GET /status.
type statusResponse struct {
	Node                string `json:"node"`
	Clustered           bool   `json:"clustered"`
	PeerCount           int    `json:"peer_count"`
	RegisteredAddresses int    `json:"registered_addresses"`
	DefaultReplyTimeout string `json:"default_reply_timeout"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	b := as.bus
	resp := statusResponse{
		Node:                b.self.String(),
		Clustered:           b.Clustered(),
		PeerCount:           len(b.pool.Snapshot()),
		RegisteredAddresses: len(b.registry.Addresses()),
		DefaultReplyTimeout: b.DefaultReplyTimeout().String(),
	}
	writeJSON(w, resp)
}

// addressEntry is one element of the GET /addresses response.
type addressEntry struct {
	Address      string `json:"address"`
	HandlerCount int    `json:"handler_count"`
}

func (as *AdminServer) handleAddresses(w http.ResponseWriter, r *http.Request) {
	counts := as.bus.registry.Addresses()
	entries := make([]addressEntry, 0, len(counts))
	for addr, n := range counts {
		entries = append(entries, addressEntry{Address: addr, HandlerCount: n})
	}
	writeJSON(w, entries)
}

// peerEntry is one element of the GET /peers response.
type peerEntry struct {
	Node  string `json:"node"`
	State string `json:"state"`
}

func (as *AdminServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	snap := as.bus.pool.Snapshot()
	entries := make([]peerEntry, 0, len(snap))
	for node, state := range snap {
		entries = append(entries, peerEntry{Node: node.String(), State: state})
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("eventbus: admin json encode error", "error", err)
	}
}
