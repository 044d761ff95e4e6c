// Package dashboard provides a real-time WebSocket server broadcasting
// reconciliation results and cloud-download progress to connected
// observers (UI layers, sync monitors).
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/cloudgallery/medialib/internal/fusion"
	"github.com/cloudgallery/medialib/internal/notify"
	"github.com/cloudgallery/medialib/internal/record"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeAssetChange indicates an asset or album URI changed.
	MessageTypeAssetChange MessageType = "asset_change"

	// MessageTypeReconcileComplete indicates a reconciliation pass finished.
	MessageTypeReconcileComplete MessageType = "reconcile_complete"

	// MessageTypeDownloadProgress carries the download task status line.
	MessageTypeDownloadProgress MessageType = "download_progress"

	// MessageTypeBatchApplied indicates a cloud-record batch was applied.
	MessageTypeBatchApplied MessageType = "batch_applied"
)

// Message represents a dashboard broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// AssetChangeData contains change-notification information.
type AssetChangeData struct {
	URI    string `json:"uri"`
	Change string `json:"change"` // insert, update, remove
}

// ReconcileCompleteData summarizes a reconciliation pass.
type ReconcileCompleteData struct {
	Operation string `json:"operation"` // resolve_mappings, merge_albums
	Items     int    `json:"items"`
	Failed    int    `json:"failed"`
	Swept     int64  `json:"swept"`
}

// DownloadProgressData carries the pollable download status line.
type DownloadProgressData struct {
	Status string `json:"status"`
}

// BatchAppliedData summarizes one applied cloud-record batch.
type BatchAppliedData struct {
	File     string `json:"file"`
	Created  int    `json:"created"`
	Modified int    `json:"modified"`
	Deleted  int    `json:"deleted"`
	Copied   int    `json:"copied"`
	Failed   int    `json:"failed"`
}

// Server manages WebSocket connections and broadcasts dashboard messages.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log zerolog.Logger
}

// NewServer creates a dashboard server listening on the given port.
func NewServer(port int, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      fmt.Sprintf(":%d", port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		log:       logger,
	}
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info().Str("addr", s.addr).Msg("dashboard server listening")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("dashboard server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Broadcast sends a message to all connected clients. Non-blocking; a full
// channel drops the message.
func (s *Server) Broadcast(msgType MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to marshal dashboard payload")
		return
	}
	msg := Message{Type: msgType, Timestamp: time.Now(), Data: raw}

	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.log.Warn().Msg("broadcast channel full, dropping message")
	}
}

// Notify implements notify.Notifier by broadcasting an asset_change
// message, so the dashboard doubles as a notification sink.
func (s *Server) Notify(uri string, change notify.ChangeType) {
	s.Broadcast(MessageTypeAssetChange, AssetChangeData{URI: uri, Change: change.String()})
}

// BatchApplied broadcasts the outcome of one applied cloud-record batch.
func (s *Server) BatchApplied(file string, result *record.ApplyResult) {
	s.Broadcast(MessageTypeBatchApplied, BatchAppliedData{
		File:     file,
		Created:  result.Created,
		Modified: result.Modified,
		Deleted:  result.Deleted,
		Copied:   result.Copied,
		Failed:   result.Failed(),
	})
}

// ReconcileComplete broadcasts a finished reconciliation pass.
func (s *Server) ReconcileComplete(operation string, report *fusion.Report) {
	s.Broadcast(MessageTypeReconcileComplete, ReconcileCompleteData{
		Operation: operation,
		Items:     len(report.Items),
		Failed:    report.Failed(),
		Swept:     report.Swept,
	})
}

// broadcastLoop fans queued messages out to all clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Warn().Err(err).Msg("failed to marshal dashboard message")
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the lock so a slow client never blocks
			// broadcasts.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Info().Int("clients", count).Msg("dashboard client connected")

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and detects client disconnects.
// Client messages are not processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	if exists {
		delete(s.clients, conn)
	}
	count := len(s.clients)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.log.Info().Int("clients", count).Msg("dashboard client disconnected")
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
