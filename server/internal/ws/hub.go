package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamchecker/streamchecker/pkg/types"
	"github.com/streamchecker/streamchecker/server/internal/pipeline"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 32
)

// Event names.
const (
	EventStatus      = "status"
	EventStage       = "stage"
	EventRunFinished = "run_finished"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS layer in front of the API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// RunStatus is an in-flight run as seen by the hub.
type RunStatus struct {
	TestRunID string    `json:"testRunId"`
	StreamID  string    `json:"streamId"`
	StreamURL string    `json:"streamUrl"`
	Completed []string  `json:"testsCompleted"`
	LastStage string    `json:"lastStage"`
	StartedAt time.Time `json:"startedAt"`
}

// Status is the periodic broadcast of all in-flight runs.
type Status struct {
	ActiveRuns  []RunStatus `json:"activeRuns"`
	GeneratedAt string      `json:"generatedAt"` // RFC3339
}

// StageEvent reports one finished stage.
type StageEvent struct {
	TestRunID string   `json:"testRunId"`
	StreamID  string   `json:"streamId"`
	Stage     string   `json:"stage"`
	Index     int      `json:"index"`
	State     string   `json:"state"`
	Error     string   `json:"error,omitempty"`
	Completed []string `json:"testsCompleted"`
}

// Hub manages WebSocket client connections. It pushes stage and run events
// as the pipeline reports them and broadcasts the in-flight run status every
// interval. Hub is a pipeline.Observer.
type Hub struct {
	interval time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	clients map[*client]struct{}
	runs    map[string]*RunStatus
}

var _ pipeline.Observer = (*Hub)(nil)

// client represents one connected WebSocket client. A non-empty runID
// restricts stage and run events to that run.
type client struct {
	conn  *websocket.Conn
	send  chan []byte
	runID string
}

// New creates a Hub that broadcasts run status every interval.
func New(interval time.Duration) *Hub {
	return &Hub{
		interval: interval,
		now:      time.Now,
		clients:  make(map[*client]struct{}),
		runs:     make(map[string]*RunStatus),
	}
}

// Run starts the status ticker loop. Run blocks until ctx is cancelled, then
// closes all active connections.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-t.C:
			h.broadcast("", Message{Event: EventStatus, Data: h.status()})
		}
	}
}

// ServeHTTP upgrades the HTTP connection to WebSocket and serves the client.
// The optional testRunId query parameter subscribes to a single run. The
// current status is sent immediately on connect. Blocks until the connection
// closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn:  conn,
		send:  make(chan []byte, sendBufSize),
		runID: r.URL.Query().Get("testRunId"),
	}
	h.register(c)
	defer h.unregister(c)

	if data, err := json.Marshal(Message{Event: EventStatus, Data: h.status()}); err == nil {
		select {
		case c.send <- data:
		default:
		}
	}

	go c.writePump()
	c.readPump() // blocks until connection closes
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StageFinished implements pipeline.Observer.
func (h *Hub) StageFinished(job pipeline.Job, outcome types.StageOutcome, rec *types.ResultRecord) {
	completed := []string{}
	if rec != nil {
		completed = append(completed, rec.TestsCompleted...)
	}

	h.mu.Lock()
	rs, ok := h.runs[job.TestRunID]
	if !ok {
		rs = &RunStatus{TestRunID: job.TestRunID, StreamID: job.StreamID, StreamURL: job.URL, StartedAt: h.now()}
		h.runs[job.TestRunID] = rs
	}
	rs.Completed = completed
	rs.LastStage = outcome.Stage.String()
	h.mu.Unlock()

	h.broadcast(job.TestRunID, Message{Event: EventStage, Data: StageEvent{
		TestRunID: job.TestRunID,
		StreamID:  job.StreamID,
		Stage:     outcome.Stage.String(),
		Index:     outcome.Stage.Index(),
		State:     outcome.State,
		Error:     outcome.Error,
		Completed: completed,
	}})
}

// RunFinished implements pipeline.Observer. The final record is sent to
// subscribers and the run leaves the status list.
func (h *Hub) RunFinished(job pipeline.Job, rec *types.ResultRecord) {
	h.mu.Lock()
	delete(h.runs, job.TestRunID)
	h.mu.Unlock()
	h.broadcast(job.TestRunID, Message{Event: EventRunFinished, Data: rec})
}

// --- internal ---------------------------------------------------------------

func (h *Hub) status() Status {
	h.mu.RLock()
	out := make([]RunStatus, 0, len(h.runs))
	for _, rs := range h.runs {
		out = append(out, *rs)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return Status{ActiveRuns: out, GeneratedAt: h.now().UTC().Format(time.RFC3339)}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// broadcast sends msg to every client, or only to clients subscribed to
// runID (and unfiltered clients) when runID is set. Slow clients whose buffer
// is full are disconnected rather than blocking the caller.
func (h *Hub) broadcast(runID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if runID == "" || c.runID == "" || c.runID == runID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !h.trySend(c, data) {
			h.unregister(c)
		}
	}
}

// trySend queues data without blocking. It holds the read lock so the
// channel cannot be closed underneath it.
func (h *Hub) trySend(c *client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// writePump drains the client's send channel and forwards messages to the
// WebSocket connection. It also sends periodic ping frames. Runs in its own
// goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				// Hub is shutting down or the client was dropped.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames from the connection to process control messages and
// detect disconnects. Blocks until the connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
