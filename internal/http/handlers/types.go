package handlers

import (
	"github.com/dispatcharr/dispatcharr-proxy/internal/catalog"
	"github.com/dispatcharr/dispatcharr-proxy/internal/events"
	"github.com/dispatcharr/dispatcharr-proxy/internal/relay"
	"github.com/dispatcharr/dispatcharr-proxy/internal/state"
)

// Health types

// CPUInfo represents CPU load information.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// ProcessMemoryInfo is the memory held by the proxy and its transcoders.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_process_mb"`
	ChildProcessesMB   float64 `json:"child_processes_mb"`
	TotalProcessTreeMB float64 `json:"total_process_tree_mb"`
	PercentageOfSystem float64 `json:"percentage_of_system"`
	ChildProcessCount  int     `json:"child_process_count"`
}

// MemoryInfo represents system memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	UsedMemoryMB      float64           `json:"used_memory_mb"`
	FreeMemoryMB      float64           `json:"free_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	SwapTotalMB       float64           `json:"swap_total_mb"`
	SwapUsedMB        float64           `json:"swap_used_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// DatabaseHealth reports the catalog database connection pool.
type DatabaseHealth struct {
	Status                 string  `json:"status"`
	ConnectionPoolSize     int     `json:"connection_pool_size"`
	ActiveConnections      int     `json:"active_connections"`
	IdleConnections        int     `json:"idle_connections"`
	PoolUtilizationPercent float64 `json:"pool_utilization_percent"`
	ResponseTimeMS         float64 `json:"response_time_ms"`
	ResponseTimeStatus     string  `json:"response_time_status"`
}

// RedisHealth reports the shared state store.
type RedisHealth struct {
	Status         string  `json:"status"`
	ResponseTimeMS float64 `json:"response_time_ms"`
	TotalConns     uint32  `json:"total_conns"`
	IdleConns      uint32  `json:"idle_conns"`
}

// CatalogHealth reports the loaded catalog snapshot.
type CatalogHealth struct {
	Status string        `json:"status"`
	Stats  catalog.Stats `json:"stats"`
}

// HealthComponents groups per-dependency health.
type HealthComponents struct {
	Database DatabaseHealth      `json:"database"`
	Redis    RedisHealth         `json:"redis"`
	Catalog  CatalogHealth       `json:"catalog"`
	Relay    *relay.ManagerStats `json:"relay,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Components    HealthComponents  `json:"components"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// ProbeResponse is the body of the liveness and readiness probes.
type ProbeResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// Proxy types

// SessionListResponse lists local sessions.
type SessionListResponse struct {
	Summary  relay.ManagerStats   `json:"summary"`
	Sessions []relay.SessionStats `json:"sessions"`
}

// SlotListResponse lists held connection slots.
type SlotListResponse struct {
	Count int          `json:"count"`
	Slots []state.Slot `json:"slots"`
}

// RegistryResponse lists the cluster session records.
type RegistryResponse struct {
	Count    int                   `json:"count"`
	Sessions []state.SessionRecord `json:"sessions"`
}

// EventListResponse lists recent live-state events, newest last.
type EventListResponse struct {
	Count  int            `json:"count"`
	Events []events.Event `json:"events"`
}

// CandidateResponse is one ranked source for a channel.
type CandidateResponse struct {
	ID          string `json:"id" doc:"Stream and profile pair"`
	Label       string `json:"label"`
	StreamID    int64  `json:"stream_id"`
	StreamName  string `json:"stream_name,omitempty"`
	AccountID   int64  `json:"account_id"`
	AccountName string `json:"account_name,omitempty"`
	ProfileID   int64  `json:"profile_id"`
	ProfileName string `json:"profile_name,omitempty"`
	Mode        string `json:"mode"`
	Priority    int    `json:"priority"`
	Position    int    `json:"position"`
	FreeSlots   int    `json:"free_slots" doc:"Headroom at selection time; -1 when unlimited"`
}

// CandidateListResponse lists a channel's candidates in selection order.
type CandidateListResponse struct {
	ChannelID  string              `json:"channel_id"`
	Candidates []CandidateResponse `json:"candidates"`
}

// StopResponse acknowledges a stop request.
type StopResponse struct {
	Message string `json:"message"`
}

// Catalog types

// CatalogResponse summarizes the current catalog snapshot.
type CatalogResponse struct {
	Stats catalog.Stats `json:"stats"`
}
