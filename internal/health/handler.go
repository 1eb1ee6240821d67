package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"stocksim/internal/httputil"
)

type Handler struct {
	pool        *pgxpool.Pool
	startedAt   time.Time
	httpAddr    string
	internalTok string
}

func NewHandler(pool *pgxpool.Pool, startedAt time.Time, httpAddr, internalToken string) *Handler {
	start := startedAt.UTC()
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Handler{
		pool:        pool,
		startedAt:   start,
		httpAddr:    strings.TrimSpace(httpAddr),
		internalTok: strings.TrimSpace(internalToken),
	}
}

type liveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptime_sec"`
}

type dbStatus struct {
	Reachable bool   `json:"reachable"`
	PingMs    int64  `json:"ping_ms"`
	Error     string `json:"error,omitempty"`
	CheckedAt string `json:"checked_at"`
}

type readinessResponse struct {
	Status    string   `json:"status"`
	Timestamp string   `json:"timestamp"`
	UptimeSec int64    `json:"uptime_sec"`
	Database  dbStatus `json:"database"`
}

type fullResponse struct {
	Status     string    `json:"status"`
	Timestamp  string    `json:"timestamp"`
	UptimeSec  int64     `json:"uptime_sec"`
	HTTPAddr   string    `json:"http_addr"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	GoVersion  string    `json:"go_version"`
	Goroutines int       `json:"goroutines"`
	AllocBytes uint64    `json:"alloc_bytes"`
	SysBytes   uint64    `json:"sys_bytes"`
	NumGC      uint32    `json:"num_gc"`
	Database   dbStatus  `json:"database"`
	Pool       poolStats `json:"pool"`
}

type poolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
	AcquireCount  int64 `json:"acquire_count"`
}

func (h *Handler) uptime(now time.Time) time.Duration {
	uptime := now.Sub(h.startedAt)
	if uptime < 0 {
		return 0
	}
	return uptime
}

func (h *Handler) requireInternalToken(w http.ResponseWriter, r *http.Request) bool {
	if h.internalTok == "" {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: "internal token is not configured"})
		return false
	}
	provided := strings.TrimSpace(r.Header.Get("X-Internal-Token"))
	if !httputil.SecureTokenEqual(provided, h.internalTok) {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid internal token"})
		return false
	}
	return true
}

func (h *Handler) pingDB(ctx context.Context) dbStatus {
	out := dbStatus{CheckedAt: time.Now().UTC().Format(time.RFC3339)}
	if h.pool == nil {
		out.Error = "pool is not configured"
		return out
	}
	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	err := h.pool.Ping(pingCtx)
	cancel()
	out.PingMs = time.Since(start).Milliseconds()
	out.CheckedAt = time.Now().UTC().Format(time.RFC3339)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Reachable = true
	return out
}

// Live does not touch the database.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	httputil.WriteJSON(w, http.StatusOK, liveResponse{
		Status:    "ok",
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(h.uptime(now).Seconds()),
	})
}

// Ready returns 503 when the database is not reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	db := h.pingDB(r.Context())
	status := "ok"
	httpStatus := http.StatusOK
	if !db.Reachable {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, httpStatus, readinessResponse{
		Status:    status,
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(h.uptime(now).Seconds()),
		Database:  db,
	})
}

// Full returns process diagnostics and is protected by X-Internal-Token.
func (h *Handler) Full(w http.ResponseWriter, r *http.Request) {
	if !h.requireInternalToken(w, r) {
		return
	}
	now := time.Now().UTC()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	db := h.pingDB(r.Context())

	var pool poolStats
	if h.pool != nil {
		stat := h.pool.Stat()
		pool = poolStats{
			TotalConns:    stat.TotalConns(),
			IdleConns:     stat.IdleConns(),
			AcquiredConns: stat.AcquiredConns(),
			MaxConns:      stat.MaxConns(),
			AcquireCount:  stat.AcquireCount(),
		}
	}

	host, _ := os.Hostname()
	status := "ok"
	httpStatus := http.StatusOK
	if !db.Reachable {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, httpStatus, fullResponse{
		Status:     status,
		Timestamp:  now.Format(time.RFC3339),
		UptimeSec:  int64(h.uptime(now).Seconds()),
		HTTPAddr:   h.httpAddr,
		PID:        os.Getpid(),
		Hostname:   host,
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		AllocBytes: mem.Alloc,
		SysBytes:   mem.Sys,
		NumGC:      mem.NumGC,
		Database:   db,
		Pool:       pool,
	})
}

// Metrics exposes Prometheus-compatible gauges, protected by X-Internal-Token.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if !h.requireInternalToken(w, r) {
		return
	}
	now := time.Now().UTC()
	db := h.pingDB(r.Context())
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	dbUp := 0
	if db.Reachable {
		dbUp = 1
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "# HELP stocksim_up Service process is running.\n")
	_, _ = fmt.Fprintf(w, "# TYPE stocksim_up gauge\n")
	_, _ = fmt.Fprintf(w, "stocksim_up 1\n")
	_, _ = fmt.Fprintf(w, "stocksim_uptime_seconds %d\n", int64(h.uptime(now).Seconds()))
	_, _ = fmt.Fprintf(w, "stocksim_db_up %d\n", dbUp)
	_, _ = fmt.Fprintf(w, "stocksim_db_ping_milliseconds %d\n", db.PingMs)
	_, _ = fmt.Fprintf(w, "stocksim_go_goroutines %d\n", runtime.NumGoroutine())
	_, _ = fmt.Fprintf(w, "stocksim_go_mem_alloc_bytes %d\n", mem.Alloc)
	_, _ = fmt.Fprintf(w, "stocksim_go_mem_sys_bytes %d\n", mem.Sys)
	_, _ = fmt.Fprintf(w, "stocksim_go_gc_count %d\n", mem.NumGC)
	if h.pool != nil {
		stat := h.pool.Stat()
		_, _ = fmt.Fprintf(w, "stocksim_db_pool_total_conns %d\n", stat.TotalConns())
		_, _ = fmt.Fprintf(w, "stocksim_db_pool_idle_conns %d\n", stat.IdleConns())
		_, _ = fmt.Fprintf(w, "stocksim_db_pool_acquired_conns %d\n", stat.AcquiredConns())
		_, _ = fmt.Fprintf(w, "stocksim_db_pool_max_conns %d\n", stat.MaxConns())
	}
}
