package dispatcher

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/darenliang/loadswarm-go/lib/dispatcher/utils"
	"github.com/darenliang/loadswarm-go/lib/logging"
	"github.com/darenliang/loadswarm-go/lib/protocol"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxTaskBodySize = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the dispatcher's HTTP surface.
func (d *Dispatcher) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", d.ServeWS)
	mux.HandleFunc("GET /clients", d.ServeClients)
	mux.HandleFunc("POST /assign_all", d.ServeAssignAll)
	mux.HandleFunc("GET /ping", d.ServePing)
	mux.HandleFunc("GET /statistics", d.ServeStatistics)
	mux.Handle("GET /metrics", promhttp.Handler())
	return allowCORS(mux)
}

func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	logging.CheckError(json.NewEncoder(w).Encode(body))
}

// ServeWS upgrades the request to a worker connection.
func (d *Dispatcher) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !d.admission.TryAcquire(1) {
		logging.Logger.Warnf("rejecting connection from %s: connection limit reached", r.RemoteAddr)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "connection limit reached"})
		return
	}
	defer d.admission.Release(1)

	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied with an HTTP error
		logging.Logger.Warnf("websocket upgrade from %s failed: %s", r.RemoteAddr, err)
		return
	}
	newConnection(d, conn).serve()
}

func (d *Dispatcher) ServeClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.workerManager.ListClients())
}

func (d *Dispatcher) ServeAssignAll(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTaskBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	task := &protocol.TaskConfig{}
	if err := json.Unmarshal(body, task); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid task: " + err.Error()})
		return
	}

	result, err := d.taskManager.OnAssignAll(task)
	if errors.Is(err, protocol.ErrInvalidTask) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (d *Dispatcher) ServePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func (d *Dispatcher) ServeStatistics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &utils.DispatcherStatistics{
		TaskManager:   d.taskManager.GetStatistics(),
		WorkerManager: d.workerManager.GetStatistics(),
	})
}
