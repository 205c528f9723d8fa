package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/senpai-robotics/controller/pkg/robot"
)

// HealthOutput is the /health body.
type HealthOutput struct {
	Status     string   `json:"status"`
	Ready      bool     `json:"ready"`
	Tasks      []string `json:"tasks"`
	Missing    []string `json:"missing,omitempty"`
	Reconnects int64    `json:"linkReconnects"`
	Journal    string   `json:"journal,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

// StatusOutput is the /status body.
type StatusOutput struct {
	Robot     robot.Status   `json:"robot"`
	Orders    OrderStats     `json:"orders"`
	Packets   PacketStats    `json:"packets"`
	Telemetry TelemetryStats `json:"telemetry"`
	Stops     int64          `json:"collisionStops"`
}

type OrderStats struct {
	Queued int   `json:"queued"`
	Added  int64 `json:"added"`
	Sent   int64 `json:"sent"`
}

type PacketStats struct {
	Dispatched int64 `json:"dispatched"`
	Dropped    int64 `json:"dropped"`
	Depth      int   `json:"depth"`
}

type TelemetryStats struct {
	Clients   int   `json:"clients"`
	Depth     int   `json:"depth"`
	MaxDepth  int   `json:"maxDepth"`
	Forwarded int64 `json:"forwarded"`
	Dropped   int64 `json:"droppedClients"`
}

var allTasks = []string{TaskCollision, TaskDispatcher, TaskLinkReader, TaskLinkWriter, TaskStatusPublisher, TaskTelemetry}

// Routes returns the HTTP surface: /health, /ready, /status and the /telemetry websocket.
func (c *Controller) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", c.handleHealth)
	mux.HandleFunc("/ready", c.handleReady)
	mux.HandleFunc("/status", c.handleStatus)
	mux.Handle("/telemetry", c.hub)
	return mux
}

// Health reports which tasks are alive. The controller is healthy when every task runs.
func (c *Controller) Health() *HealthOutput {
	alive := c.tasks.Alive()
	running := make(map[string]bool, len(alive))
	for _, name := range alive {
		running[name] = true
	}
	h := &HealthOutput{
		Status:     "healthy",
		Ready:      c.Ready(),
		Tasks:      alive,
		Reconnects: c.link.Reconnects(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	for _, name := range allTasks {
		if !running[name] {
			h.Missing = append(h.Missing, name)
		}
	}
	if len(h.Missing) > 0 {
		h.Status = "unhealthy"
	}
	if c.journal != nil {
		h.Journal = c.journal.State()
	}
	return h
}

func (c *Controller) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := c.Health()
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (c *Controller) handleReady(w http.ResponseWriter, r *http.Request) {
	if !c.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (c *Controller) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := StatusOutput{Robot: c.robot.Snapshot(), Stops: c.monitor.Stops()}
	out.Orders.Queued, out.Orders.Added, out.Orders.Sent = c.orders.Stats()
	out.Packets.Dispatched, out.Packets.Dropped, out.Packets.Depth = c.disp.Stats()
	out.Telemetry.Clients = c.hub.Clients()
	out.Telemetry.Depth = c.samples.Len()
	out.Telemetry.MaxDepth = c.samples.MaxDepth()
	out.Telemetry.Forwarded, out.Telemetry.Dropped = c.hub.Stats()
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
