// Package handlers provides the HTTP handlers of the proxy: player-facing
// stream routes and the operator API.
package handlers

import (
	"context"
	"math"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"gorm.io/gorm"

	"github.com/dispatcharr/dispatcharr-proxy/internal/catalog"
	"github.com/dispatcharr/dispatcharr-proxy/internal/relay"
	"github.com/dispatcharr/dispatcharr-proxy/internal/state"
)

const slowResponseMS = 100

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *gorm.DB
	redis     *state.RedisClient
	catalog   *catalog.Store
	manager   *relay.Manager
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the catalog database for health checks.
func (h *HealthHandler) WithDB(db *gorm.DB) *HealthHandler {
	h.db = db
	return h
}

// WithRedis sets the shared state store for health checks.
func (h *HealthHandler) WithRedis(client *state.RedisClient) *HealthHandler {
	h.redis = client
	return h
}

// WithCatalog sets the catalog store reported by health checks.
func (h *HealthHandler) WithCatalog(store *catalog.Store) *HealthHandler {
	h.catalog = store
	return h
}

// WithManager sets the session manager reported by health checks.
func (h *HealthHandler) WithManager(m *relay.Manager) *HealthHandler {
	h.manager = m
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// LivezOutput is the output for the liveness probe.
type LivezOutput struct {
	Body ProbeResponse
}

// ReadyzInput is the input for the readiness probe.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness probe.
type ReadyzOutput struct {
	Status int
	Body   ProbeResponse
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/api/v1/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Ready once the catalog has loaded and configured stores answer",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	dbHealth := h.getDatabaseHealth(ctx)
	redisHealth := h.getRedisHealth(ctx)
	catalogHealth := h.getCatalogHealth()

	components := HealthComponents{
		Database: dbHealth,
		Redis:    redisHealth,
		Catalog:  catalogHealth,
	}
	if h.manager != nil {
		st := h.manager.Stats()
		components.Relay = &st
	}

	status := "healthy"
	if dbHealth.Status == "error" || redisHealth.Status == "error" || catalogHealth.Status == "empty" {
		status = "degraded"
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			CPUInfo:       h.getCPUInfo(),
			Memory:        h.getMemoryInfo(),
			Components:    components,
			Checks: map[string]string{
				"database": dbHealth.Status,
				"redis":    redisHealth.Status,
				"catalog":  catalogHealth.Status,
			},
		},
	}, nil
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	return &LivezOutput{Body: ProbeResponse{Status: "ok"}}, nil
}

// GetReadyz reports whether the proxy can accept streams.
func (h *HealthHandler) GetReadyz(ctx context.Context, _ *ReadyzInput) (*ReadyzOutput, error) {
	components := map[string]string{
		"database": h.getDatabaseHealth(ctx).Status,
		"redis":    h.getRedisHealth(ctx).Status,
		"catalog":  h.getCatalogHealth().Status,
	}

	ready := components["catalog"] == "ok"
	for _, name := range []string{"database", "redis"} {
		if components[name] == "error" {
			ready = false
		}
	}

	out := &ReadyzOutput{Status: http.StatusOK, Body: ProbeResponse{Status: "ready", Components: components}}
	if !ready {
		out.Status = http.StatusServiceUnavailable
		out.Body.Status = "not_ready"
	}
	return out, nil
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()

	info := CPUInfo{
		Cores: cores,
	}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15

		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}

	return info
}

// getMemoryInfo returns memory usage information.
func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = toMB(vmStat.Total)
		info.UsedMemoryMB = toMB(vmStat.Used)
		info.FreeMemoryMB = toMB(vmStat.Free)
		info.AvailableMemoryMB = toMB(vmStat.Available)
	}

	swapStat, err := mem.SwapMemory()
	if err == nil && swapStat != nil {
		info.SwapTotalMB = toMB(swapStat.Total)
		info.SwapUsedMB = toMB(swapStat.Used)
	}

	info.ProcessMemory = h.getProcessMemoryInfo(info.TotalMemoryMB)

	return info
}

// getProcessMemoryInfo returns the memory of the proxy process and its
// transcoder children.
func (h *HealthHandler) getProcessMemoryInfo(totalSystemMB float64) ProcessMemoryInfo {
	info := ProcessMemoryInfo{}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}

	memInfo, err := proc.MemoryInfo()
	if err == nil && memInfo != nil {
		info.MainProcessMB = toMB(memInfo.RSS)
		info.TotalProcessTreeMB = info.MainProcessMB
	}

	children, err := proc.Children()
	if err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			childMem, err := child.MemoryInfo()
			if err == nil && childMem != nil {
				childMB := toMB(childMem.RSS)
				info.ChildProcessesMB += childMB
				info.TotalProcessTreeMB += childMB
			}
		}
	}

	if totalSystemMB > 0 {
		info.PercentageOfSystem = (info.TotalProcessTreeMB / totalSystemMB) * 100
	}
	return info
}

// getDatabaseHealth returns database health information.
func (h *HealthHandler) getDatabaseHealth(ctx context.Context) DatabaseHealth {
	health := DatabaseHealth{
		Status:             "ok",
		ResponseTimeStatus: "healthy",
	}

	if h.db == nil {
		health.Status = "not_configured"
		return health
	}

	sqlDB, err := h.db.DB()
	if err != nil {
		health.Status = "error"
		return health
	}

	stats := sqlDB.Stats()
	health.ConnectionPoolSize = stats.MaxOpenConnections
	health.ActiveConnections = stats.InUse
	health.IdleConnections = stats.Idle

	if stats.MaxOpenConnections > 0 {
		health.PoolUtilizationPercent = float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
	}

	start := time.Now()
	err = sqlDB.PingContext(ctx)
	health.ResponseTimeMS = sinceMS(start)

	if err != nil {
		health.Status = "error"
		health.ResponseTimeStatus = "error"
	} else if health.ResponseTimeMS > slowResponseMS {
		health.ResponseTimeStatus = "slow"
	}

	return health
}

// getRedisHealth pings the shared state store.
func (h *HealthHandler) getRedisHealth(ctx context.Context) RedisHealth {
	if h.redis == nil {
		return RedisHealth{Status: "not_configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	start := time.Now()
	err := h.redis.Ping(ctx).Err()
	health := RedisHealth{Status: "ok", ResponseTimeMS: sinceMS(start)}
	if err != nil {
		health.Status = "error"
	}

	pool := h.redis.PoolStats()
	health.TotalConns = pool.TotalConns
	health.IdleConns = pool.IdleConns
	return health
}

// getCatalogHealth reports whether a catalog has been loaded.
func (h *HealthHandler) getCatalogHealth() CatalogHealth {
	if h.catalog == nil {
		return CatalogHealth{Status: "not_configured"}
	}
	stats := h.catalog.Snapshot().Stats()
	if stats.LoadedAt.IsZero() {
		return CatalogHealth{Status: "empty", Stats: stats}
	}
	return CatalogHealth{Status: "ok", Stats: stats}
}

func toMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}

func sinceMS(start time.Time) float64 {
	return math.Round(float64(time.Since(start).Microseconds())) / 1000
}
