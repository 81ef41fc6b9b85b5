// Package statusbridge publishes the daemon's live state on two surfaces
// (spec §4.9): an atomically-written status file, and a loopback WebSocket
// server that pushes a change hint after every file write. The file half is
// grounded on internal/filelock's atomic-write idiom (already used
// throughout the teacher's config save path); the WebSocket half is new,
// using gorilla/websocket per the pack's C360Studio-semspec precedent.
package statusbridge

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/akfldk1028/taskdaemon/internal/filelock"
	"github.com/akfldk1028/taskdaemon/internal/models"
	"github.com/gorilla/websocket"
)

// PortRangeStart and PortRangeEnd bound the WebSocket bind search (§6.4).
const (
	PortRangeStart = 18800
	PortRangeEnd   = 18809

	// RepublishInterval is the observer-resync cadence (§4.9: "3-5 seconds
	// even when nothing has changed").
	RepublishInterval = 4 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // loopback only, no auth per §6.4
}

// Bridge owns the status file and the WebSocket broadcast server.
type Bridge struct {
	StatusFilePath string

	mu       sync.Mutex
	snapshot models.DaemonSnapshot
	clients  map[*websocket.Conn]struct{}
	clientsM sync.Mutex

	listener net.Listener
	server   *http.Server
	port     int

	stopRepublish chan struct{}
}

// New constructs a Bridge bound to no port yet; call Start to bind and
// begin serving.
func New(statusFilePath string) *Bridge {
	return &Bridge{
		StatusFilePath: statusFilePath,
		clients:        make(map[*websocket.Conn]struct{}),
	}
}

// Start binds the first free port in [18800,18809], begins serving
// WebSocket connections, and starts the periodic republish loop.
func (b *Bridge) Start() error {
	var lastErr error
	for port := PortRangeStart; port <= PortRangeEnd; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			lastErr = err
			continue
		}
		b.listener = ln
		b.port = port
		break
	}
	if b.listener == nil {
		return fmt.Errorf("statusbridge: no free port in [%d,%d]: %w", PortRangeStart, PortRangeEnd, lastErr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleConnect)
	b.server = &http.Server{Handler: mux}
	go b.server.Serve(b.listener)

	b.stopRepublish = make(chan struct{})
	go b.republishLoop()

	return nil
}

// Port returns the bound WebSocket port (valid only after Start).
func (b *Bridge) Port() int { return b.port }

// Stop closes the listener, all client connections, and the republish loop.
func (b *Bridge) Stop() error {
	if b.stopRepublish != nil {
		close(b.stopRepublish)
	}
	b.clientsM.Lock()
	for c := range b.clients {
		c.Close()
	}
	b.clientsM.Unlock()
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

func (b *Bridge) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	snap := b.snapshot
	b.mu.Unlock()

	if err := conn.WriteJSON(snap); err != nil {
		conn.Close()
		return
	}

	b.clientsM.Lock()
	b.clients[conn] = struct{}{}
	b.clientsM.Unlock()

	go func() {
		defer func() {
			b.clientsM.Lock()
			delete(b.clients, conn)
			b.clientsM.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// changeNotice is the push hint sent on every state change (§6.4): clients
// re-read the status file rather than receiving the payload over the wire.
type changeNotice struct {
	Kind string    `json:"kind"`
	TS   time.Time `json:"ts"`
}

// Publish atomically writes snap to the status file, then broadcasts a
// change hint to every connected client. The file write happens first, so a
// client that wakes on the broadcast always finds the file already
// consistent (§5 ordering guarantee: "WebSocket broadcast fires after the
// corresponding file write").
func (b *Bridge) Publish(snap models.DaemonSnapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("statusbridge: refusing to publish invalid snapshot: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("statusbridge: marshal snapshot: %w", err)
	}

	if err := b.writeWithLiveness(data); err != nil {
		return err
	}

	b.mu.Lock()
	b.snapshot = snap
	b.mu.Unlock()

	b.broadcast(changeNotice{Kind: "status_update", TS: time.Now().UTC()})
	return nil
}

// writeWithLiveness implements the contention rule from §4.9: if another
// process holds the status file's lock, this daemon merges rather than
// clobbering only if the existing holder is confirmed dead by the caller
// (the daemon process, which already holds its own project lock file and
// is therefore the sole live writer by the time Publish is reached) — so
// once this Bridge exists, a plain atomic write is always correct; the
// liveness arbitration happens earlier, at daemon-startup lock acquisition.
func (b *Bridge) writeWithLiveness(data []byte) error {
	return filelock.LockAndWrite(b.StatusFilePath, data)
}

func (b *Bridge) broadcast(notice changeNotice) {
	b.clientsM.Lock()
	defer b.clientsM.Unlock()
	for c := range b.clients {
		_ = c.WriteJSON(notice)
	}
}

func (b *Bridge) republishLoop() {
	ticker := time.NewTicker(RepublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			snap := b.snapshot
			b.mu.Unlock()
			if snap.Timestamp.IsZero() {
				continue
			}
			b.broadcast(changeNotice{Kind: "status_update", TS: time.Now().UTC()})
		case <-b.stopRepublish:
			return
		}
	}
}
