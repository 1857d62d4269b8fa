package fuse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/radryc/calcfs/internal/mount"
	"github.com/radryc/calcfs/internal/namespace"
)

// ControlSocketHandler answers inspection requests for one mount via a Unix socket.
type ControlSocketHandler struct {
	socketPath string
	session    *mount.Session
	mountpoint string
	listener   net.Listener
	logger     *slog.Logger
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// ControlRequest is received from calcfs-ctl.
type ControlRequest struct {
	Action string `json:"action"` // status, tree, read
	Path   string `json:"path,omitempty"`
	Offset uint64 `json:"offset,omitempty"`
	Length int    `json:"length,omitempty"`
}

// ControlResponse is sent back to calcfs-ctl.
type ControlResponse struct {
	Success    bool       `json:"success"`
	SessionID  string     `json:"session_id,omitempty"`
	State      string     `json:"state,omitempty"`
	Mountpoint string     `json:"mountpoint,omitempty"`
	StartedAt  string     `json:"started_at,omitempty"`
	Nodes      int        `json:"nodes,omitempty"`
	Entries    []NodeInfo `json:"entries,omitempty"`
	Data       string     `json:"data,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// NodeInfo describes one node in a tree listing.
type NodeInfo struct {
	ID    uint64 `json:"id"`
	Path  string `json:"path"`
	Kind  string `json:"kind"`
	Mode  string `json:"mode"`
	Size  uint64 `json:"size"`
	Depth int    `json:"depth"`
}

// defaultReadLength is used when a read request carries no length.
const defaultReadLength = 4096

// NewControlSocketHandler listens on socketPath for requests about session.
func NewControlSocketHandler(socketPath string, session *mount.Session, mountpoint string, logger *slog.Logger) (*ControlSocketHandler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Remove stale socket
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		listener.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ControlSocketHandler{
		socketPath: socketPath,
		session:    session,
		mountpoint: mountpoint,
		listener:   listener,
		logger:     logger.With("component", "control-socket"),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins accepting connections.
func (h *ControlSocketHandler) Start() {
	h.wg.Add(1)
	go h.acceptLoop()
	h.logger.Info("control socket started", "path", h.socketPath)
}

// Stop closes the socket and waits for in-flight requests.
func (h *ControlSocketHandler) Stop() {
	h.cancel()
	h.listener.Close()
	h.wg.Wait()
	os.Remove(h.socketPath)
	h.logger.Info("control socket stopped")
}

func (h *ControlSocketHandler) acceptLoop() {
	defer h.wg.Done()

	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.ctx.Done():
				return
			default:
				h.logger.Warn("accept error", "error", err)
				continue
			}
		}

		h.wg.Add(1)
		go h.handleConnection(conn)
	}
}

func (h *ControlSocketHandler) handleConnection(conn net.Conn) {
	defer h.wg.Done()
	defer conn.Close()

	var req ControlRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request", "error", err)
		h.sendError(conn, "invalid request")
		return
	}

	h.logger.Debug("control request", "action", req.Action, "path", req.Path)

	var resp ControlResponse
	switch req.Action {
	case "status":
		resp = h.handleStatus()
	case "tree":
		resp = h.handleTree()
	case "read":
		resp = h.handleRead(req)
	default:
		resp = ControlResponse{
			Success: false,
			Error:   "unknown action: " + req.Action,
		}
	}

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

func (h *ControlSocketHandler) handleStatus() ControlResponse {
	info := h.session.Info()
	resp := ControlResponse{
		Success:    true,
		SessionID:  info.ID,
		State:      info.State.String(),
		Mountpoint: h.mountpoint,
		Nodes:      info.Nodes,
	}
	if !info.StartedAt.IsZero() {
		resp.StartedAt = info.StartedAt.Format("2006-01-02 15:04:05")
	}
	if info.Failure != nil {
		resp.Error = info.Failure.Error()
	}
	return resp
}

func (h *ControlSocketHandler) handleTree() ControlResponse {
	var entries []NodeInfo
	err := h.session.WithMounted(func(mh *mount.Handle) error {
		return mh.Walk(func(n *namespace.Node, depth int) error {
			entries = append(entries, NodeInfo{
				ID:    uint64(n.ID()),
				Path:  "/" + n.Path(),
				Kind:  n.Kind().String(),
				Mode:  n.Mode().Perm().String(),
				Size:  n.Size(),
				Depth: depth,
			})
			return nil
		})
	})
	if err != nil {
		return ControlResponse{Success: false, Error: err.Error()}
	}
	return ControlResponse{Success: true, Nodes: len(entries), Entries: entries}
}

func (h *ControlSocketHandler) handleRead(req ControlRequest) ControlResponse {
	length := req.Length
	if length <= 0 {
		length = defaultReadLength
	}

	var data []byte
	err := h.session.WithMounted(func(mh *mount.Handle) error {
		node, err := mh.Lookup(splitPath(req.Path))
		if err != nil {
			return err
		}
		data, err = mh.Read(node, req.Offset, length)
		return err
	})
	if err != nil {
		return ControlResponse{Success: false, Error: err.Error()}
	}
	return ControlResponse{Success: true, Data: string(data)}
}

func (h *ControlSocketHandler) sendError(conn net.Conn, msg string) {
	resp := ControlResponse{
		Success: false,
		Error:   msg,
	}
	json.NewEncoder(conn).Encode(resp)
}

// splitPath turns "/calc/fib.num" into its segments. "" and "/" are the root.
func splitPath(p string) []string {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
