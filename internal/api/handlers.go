// Package api wires up the Gin HTTP router that exposes the node's admin
// surface: health, Prometheus metrics, and a debug snapshot of cluster
// state. It is not the chat protocol itself — client traffic goes over
// the msgpack/websocket REQ-in socket (internal/transport,
// internal/service) — this is strictly operator tooling, the same
// separation the teacher draws between its public KV API and its
// cluster-management routes.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"distributed-chat-cluster/internal/cluster"
	"distributed-chat-cluster/internal/store"
)

// Handler holds the dependencies the admin surface reads from. It never
// mutates store or cluster state — every write path is internal/service.
type Handler struct {
	store      *store.Store
	membership *cluster.Membership
	election   *cluster.Election
	selfName   string
	rank       int
	startedAt  time.Time
}

// NewHandler creates a Handler. startedAt is stamped once at process
// start and used to compute /health's uptime field.
func NewHandler(s *store.Store, m *cluster.Membership, e *cluster.Election, selfName string, rank int, startedAt time.Time) *Handler {
	return &Handler{store: s, membership: m, election: e, selfName: selfName, rank: rank, startedAt: startedAt}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	debug := r.Group("/debug")
	debug.GET("/state", h.DebugState)
	debug.GET("/servers", h.DebugServers)
}

// Health handles GET /health — node id, rank, coordinator, and uptime,
// per SPEC_FULL.md §2.3.
func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"server": h.selfName,
		"rank":   h.rank,
		"uptime": time.Since(h.startedAt).String(),
	}
	if h.election != nil {
		resp["coordinator"] = h.election.Coordinator()
	}
	c.JSON(http.StatusOK, resp)
}

// DebugState handles GET /debug/state — counts of the replicated
// collections, useful when diagnosing a divergent replica without
// dumping every record over HTTP, per SPEC_FULL.md §2.3.
func (h *Handler) DebugState(c *gin.Context) {
	snap := h.store.Sync()
	c.JSON(http.StatusOK, gin.H{
		"users":        len(snap.Users),
		"channels":     len(snap.Channels),
		"messages":     len(snap.Messages),
		"publications": len(snap.Publications),
	})
}

// DebugServers handles GET /debug/servers — the membership cache and the
// current Bully election state, for diagnosing a split-brain or a stuck
// election.
func (h *Handler) DebugServers(c *gin.Context) {
	resp := gin.H{"servers": h.membership.All()}
	if h.election != nil {
		resp["state"] = h.election.State().String()
		resp["coordinator"] = h.election.Coordinator()
	}
	c.JSON(http.StatusOK, resp)
}
