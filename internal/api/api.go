// Package api implements the bridge's REST and WebSocket surface.
//
// Routes:
//
//	GET  /api/v1/nodes       list all known nodes
//	GET  /api/v1/nodes/{id}  single node detail (decimal or "!hex" id)
//	GET  /api/v1/nodes.csv   roster as CSV
//	GET  /api/v1/messages    sent-message history
//	POST /api/v1/messages    send a message through the reliable sender
//	GET  /api/v1/channels    channel list
//	GET  /api/v1/status      bridge health
//	GET  /api/v1/events      WebSocket live stream
//
// Framework: standard library net/http (Go 1.22 method patterns) with
// gorilla/websocket for the event stream.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshcourier/meshcourier/internal/proto"
	"github.com/meshcourier/meshcourier/internal/sender"
	"github.com/meshcourier/meshcourier/internal/state"
	"github.com/meshcourier/meshcourier/internal/store"
)

// Sender is the subset of the bridge's send surface the API needs.
type Sender interface {
	SendAndConfirm(channel uint32, body string, skipConfirm bool) sender.Receipt
	SendDirect(dest uint32, body string, skipConfirm bool) sender.Receipt
}

// SubscribeFunc is the adapter the API uses to subscribe to the event
// bus without importing it.
type SubscribeFunc func() (<-chan interface{}, func())

// Status is the health snapshot served by /api/v1/status.
type Status struct {
	LinkConnected   bool `json:"link_connected"`
	BrokerConnected bool `json:"broker_connected"`
	Nodes           int  `json:"nodes"`
	Subscribers     int  `json:"subscribers"`
}

// StatusFunc supplies the current Status on demand.
type StatusFunc func() Status

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	db          *store.DB
	roster      *state.Manager
	snd         Sender
	subscribeFn SubscribeFunc
	statusFn    StatusFunc
	log         *zap.Logger
}

// NewRouter wires all /api/v1/* routes and returns an http.Handler.
// subFn is called once per WebSocket client; it must return a channel
// of JSON-serialisable events and an unsubscribe function.
func NewRouter(
	db *store.DB,
	roster *state.Manager,
	snd Sender,
	subFn SubscribeFunc,
	statusFn StatusFunc,
	log *zap.Logger,
) http.Handler {
	s := &Server{db: db, roster: roster, snd: snd, subscribeFn: subFn, statusFn: statusFn, log: log}

	mux := http.NewServeMux()

	// Nodes
	mux.HandleFunc("GET /api/v1/nodes", s.listNodes)
	mux.HandleFunc("GET /api/v1/nodes.csv", s.nodesCSV)
	mux.HandleFunc("GET /api/v1/nodes/{id}", s.getNode)

	// Messages
	mux.HandleFunc("GET /api/v1/messages", s.listMessages)
	mux.HandleFunc("POST /api/v1/messages", s.sendMessage)

	// Channels
	mux.HandleFunc("GET /api/v1/channels", s.listChannels)

	// Status / health
	mux.HandleFunc("GET /api/v1/status", s.status)

	// WebSocket event stream
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(log, mux)
}

// ── Nodes ─────────────────────────────────────────────────────────────────

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.roster.ListNodes()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"count": len(nodes),
	})
}

func (s *Server) nodesCSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	if err := state.WriteCSV(w, s.roster.ListNodes()); err != nil {
		s.log.Error("api: write csv", zap.Error(err))
	}
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	idStr := r.PathValue("id")
	// Accept both decimal and "!hex" formats.
	var nodeID uint32
	if strings.HasPrefix(idStr, "!") {
		num, err := proto.ParseNodeID(idStr)
		if err != nil {
			http.Error(w, "invalid node id", http.StatusBadRequest)
			return
		}
		nodeID = num
	} else {
		n, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			http.Error(w, "invalid node id", http.StatusBadRequest)
			return
		}
		nodeID = uint32(n)
	}

	node, ok := s.roster.GetNode(nodeID)
	if !ok {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// ── Messages ──────────────────────────────────────────────────────────────

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msgs, err := s.db.ListMessages(limit)
	if err != nil {
		s.log.Error("api: list messages", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}

type sendMessageRequest struct {
	Text    string `json:"text"`
	Channel uint32 `json:"channel"`
	ToNode  string `json:"to_node"`
	NoWait  bool   `json:"no_wait"`
}

// sendMessage pushes the request through the reliable sender and
// reports its receipt. Direct messages ride the primary channel;
// channel broadcasts must name a secondary channel, index 0 is
// reserved and rejected here.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text must not be empty", http.StatusBadRequest)
		return
	}

	var rcpt sender.Receipt
	if req.ToNode != "" && req.ToNode != "broadcast" {
		dest, err := proto.ParseNodeID(req.ToNode)
		if err != nil {
			http.Error(w, "to_node must be a \"!hex\" node id", http.StatusBadRequest)
			return
		}
		rcpt = s.snd.SendDirect(dest, req.Text, req.NoWait)
	} else {
		if req.Channel == 0 {
			http.Error(w, "channel 0 is reserved; use 1-7", http.StatusBadRequest)
			return
		}
		if req.Channel > 7 {
			http.Error(w, "channel must be 1-7", http.StatusBadRequest)
			return
		}
		rcpt = s.snd.SendAndConfirm(req.Channel, req.Text, req.NoWait)
	}

	code := http.StatusCreated
	if !rcpt.OK() {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, rcpt)
}

// ── Channels ──────────────────────────────────────────────────────────────

type channel struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Role  string `json:"role"` // "PRIMARY" | "SECONDARY"
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	// Static channel map; index 0 is the radio's primary channel and
	// not addressable for sends.
	channels := []channel{{Index: 0, Name: "LongFast", Role: "PRIMARY"}}
	for i := 1; i <= 7; i++ {
		channels = append(channels, channel{
			Index: i,
			Name:  fmt.Sprintf("Channel %d", i),
			Role:  "SECONDARY",
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": channels})
}

// ── Status ────────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st := s.statusFn()
	health := "ok"
	if !st.LinkConnected {
		health = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           health,
		"time":             time.Now().UTC().Format(time.RFC3339),
		"link_connected":   st.LinkConnected,
		"broker_connected": st.BrokerConnected,
		"nodes":            st.Nodes,
		"subscribers":      st.Subscribers,
	})
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.subscribeFn()
	defer unsub()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack keeps the WebSocket upgrade working through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("api: response writer does not support hijacking")
	}
	return hj.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}
