// Package httpapi is the minimal admin HTTP surface: activate/deactivate a
// rule and read the core's status views. It never touches a database
// directly — it only calls the engine, which is the collaborator contract
// boundary this package is not allowed to reach past.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chenchao1231/SocketRelay/internal/engine"
	"github.com/chenchao1231/SocketRelay/internal/model"
	"github.com/chenchao1231/SocketRelay/internal/ws"
)

// API wires the engine and push hub into a set of gin routes.
type API struct {
	eng *engine.Engine
	hub *ws.Hub

	// RuleLookup resolves a rule ID to its current model.Rule; cmd/server
	// supplies this from whatever rule store it configures. The engine
	// itself does not own rule CRUD.
	RuleLookup func(id int64) (model.Rule, bool)
}

func New(eng *engine.Engine, hub *ws.Hub) *API {
	return &API{eng: eng, hub: hub}
}

// Register mounts every route onto r.
func (a *API) Register(r *gin.Engine) {
	r.GET("/health", a.health)
	r.GET("/ws", a.hub.Handle)

	grp := r.Group("/api/rules")
	grp.POST("/:id/activate", a.activate)
	grp.POST("/:id/deactivate", a.deactivate)
	grp.GET("/:id/pool", a.poolStatus)
	grp.GET("/:id/clients", a.clientCount)
	grp.GET("/:id/udp-sessions", a.udpSessions)
	grp.GET("/:id/broadcast", a.broadcastStats)
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) ruleFromParam(c *gin.Context) (model.Rule, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
		return model.Rule{}, false
	}
	if a.RuleLookup == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no rule store configured"})
		return model.Rule{}, false
	}
	rule, ok := a.RuleLookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return model.Rule{}, false
	}
	return rule, true
}

func (a *API) activate(c *gin.Context) {
	rule, ok := a.ruleFromParam(c)
	if !ok {
		return
	}
	if err := a.eng.Activate(rule); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "activated"})
}

func (a *API) deactivate(c *gin.Context) {
	rule, ok := a.ruleFromParam(c)
	if !ok {
		return
	}
	if err := a.eng.Deactivate(rule); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

func (a *API) poolStatus(c *gin.Context) {
	rule, ok := a.ruleFromParam(c)
	if !ok {
		return
	}
	st, ok := a.eng.PoolStatus(rule.Key())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule has no active pool"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *API) clientCount(c *gin.Context) {
	rule, ok := a.ruleFromParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule_id": rule.ID, "clients": a.eng.ClientCount(rule.ID)})
}

func (a *API) udpSessions(c *gin.Context) {
	rule, ok := a.ruleFromParam(c)
	if !ok {
		return
	}
	st, ok := a.eng.UDPStats(rule.Key())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule has no active UDP session table"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *API) broadcastStats(c *gin.Context) {
	rule, ok := a.ruleFromParam(c)
	if !ok {
		return
	}
	st, ok := a.eng.BroadcastStats(rule.Key())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule has no active broadcast handler"})
		return
	}
	c.JSON(http.StatusOK, st)
}
