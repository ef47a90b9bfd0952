package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/dreamware/warden/internal/overuse"
	"github.com/dreamware/warden/internal/vhal"
	"github.com/dreamware/warden/internal/watchdog"
	"github.com/dreamware/warden/internal/wire"
)

// routes builds the HTTP API of d.
func (d *daemon) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("watchdogd"))

	r.GET("/health", func(c *gin.Context) {
		body := gin.H{"status": "ok", "enabled": d.service.Enabled()}
		if d.beat != nil {
			body["vhal_heartbeat"] = d.beat.Status()
		}
		c.JSON(http.StatusOK, body)
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.GET("/dump", d.handleDump)

	v1.GET("/clients", d.handleListClients)
	v1.POST("/clients", d.handleRegisterClient)
	v1.DELETE("/clients/:id", d.handleUnregister(d.service.UnregisterClient))
	v1.POST("/clients/:id/alive", d.handleClientAlive)

	v1.POST("/mediators", d.handleRegisterMediator)
	v1.DELETE("/mediators/:id", d.handleUnregister(d.service.UnregisterMediator))
	v1.POST("/mediators/:id/alive", d.handleMediatorAlive)

	v1.POST("/monitor", d.handleRegisterMonitor)
	v1.DELETE("/monitor/:id", d.handleUnregister(d.service.UnregisterMonitor))
	v1.POST("/monitor/:id/dump-finished", d.handleDumpFinished)

	sys := v1.Group("/system")
	sys.POST("/power-cycle", d.handlePowerCycle)
	sys.POST("/user-state", d.handleUserState)
	sys.POST("/health-check", d.handleHealthCheck)
	sys.POST("/garage-mode", d.handleGarageMode)

	ov := v1.Group("/overuse")
	ov.GET("/configs", d.handleGetConfigs)
	ov.PUT("/configs", d.handleUpdateConfigs)
	ov.POST("/threshold", d.handleFetchThreshold)
	ov.POST("/safe-to-kill", d.handleIsSafeToKill)
	ov.POST("/usage", d.handleUsage)
	ov.GET("/stats/:uid", d.handleStats)

	if d.wsHal == nil {
		v1.GET("/vhal", gin.WrapH(vhal.NewServer(d.props, d.logger)))
	}
	return r
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var verr *overuse.ValidationError
	switch {
	case errors.Is(err, watchdog.ErrAlreadyExists):
		return http.StatusConflict
	case errors.As(err, &verr),
		errors.Is(err, watchdog.ErrInvalidArgument),
		errors.Is(err, overuse.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, watchdog.ErrIllegalState):
		return http.StatusPreconditionFailed
	case errors.Is(err, watchdog.ErrNotFound), errors.Is(err, overuse.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, vhal.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), wire.ErrorResponse{Error: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
}

func (d *daemon) handleListClients(c *gin.Context) {
	clients := d.service.Clients()
	if clients == nil {
		clients = []watchdog.ClientStatus{}
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients})
}

func (d *daemon) handleRegisterClient(c *gin.Context) {
	var req wire.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	tier, err := watchdog.ParseTier(req.Tier)
	if err != nil {
		abort(c, err)
		return
	}
	session, err := d.service.RegisterClient(wire.NewHTTPClient(req.ID, req.Addr),
		watchdog.Caller{PID: req.PID, UID: req.UID}, tier)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, wire.RegisterResponse{SessionID: session})
}

func (d *daemon) handleRegisterMediator(c *gin.Context) {
	var req wire.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	session, err := d.service.RegisterMediator(wire.NewHTTPClient(req.ID, req.Addr),
		watchdog.Caller{PID: req.PID, UID: req.UID})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, wire.RegisterResponse{SessionID: session})
}

func (d *daemon) handleRegisterMonitor(c *gin.Context) {
	var req wire.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	err := d.service.RegisterMonitor(wire.NewHTTPMonitor(req.ID, req.Addr),
		watchdog.Caller{PID: req.PID, UID: req.UID})
	if err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (d *daemon) handleUnregister(unregister func(id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := unregister(c.Param("id")); err != nil {
			abort(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (d *daemon) handleClientAlive(c *gin.Context) {
	var req wire.AliveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := d.service.TellClientAlive(c.Param("id"), req.SessionID); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (d *daemon) handleMediatorAlive(c *gin.Context) {
	var req wire.AliveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := d.service.TellMediatorAlive(c.Param("id"), req.NotResponding, req.SessionID); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (d *daemon) handleDumpFinished(c *gin.Context) {
	var req wire.DumpFinishedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := d.service.TellDumpFinished(c.Param("id"), req.PID); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (d *daemon) handlePowerCycle(c *gin.Context) {
	var req wire.PowerCycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cycle, err := watchdog.ParsePowerCycle(req.Cycle)
	if err == nil {
		err = d.service.NotifyPowerCycleChange(cycle)
	}
	if err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (d *daemon) handleUserState(c *gin.Context) {
	var req wire.UserStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	state, err := watchdog.ParseUserState(req.State)
	if err == nil {
		err = d.service.NotifyUserStateChange(req.UserID, state)
	}
	if err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (d *daemon) handleHealthCheck(c *gin.Context) {
	var req wire.HealthCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := d.service.ControlProcessHealthCheck(req.Enable); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (d *daemon) handleGarageMode(c *gin.Context) {
	var req wire.HealthCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	d.monitor.SetGarageMode(req.Enable)
	c.Status(http.StatusNoContent)
}

func (d *daemon) handleGetConfigs(c *gin.Context) {
	configs := d.monitor.GetResourceOveruseConfigurations()
	if configs == nil {
		configs = []overuse.ResourceOveruseConfiguration{}
	}
	c.JSON(http.StatusOK, wire.ConfigsResponse{Configs: configs})
}

func (d *daemon) handleUpdateConfigs(c *gin.Context) {
	var req wire.ConfigsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := d.monitor.UpdateResourceOveruseConfigurations(c.Request.Context(), req.Configs); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (d *daemon) handleFetchThreshold(c *gin.Context) {
	var req wire.PackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, wire.ThresholdResponse{Thresholds: d.configs.FetchThreshold(req.Package)})
}

func (d *daemon) handleIsSafeToKill(c *gin.Context) {
	var req wire.PackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, wire.SafeToKillResponse{SafeToKill: d.configs.IsSafeToKill(req.Package)})
}

func (d *daemon) handleUsage(c *gin.Context) {
	var req wire.UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	now := d.clock.Now()
	if req.Time != nil {
		now = *req.Time
	}
	stats, err := d.monitor.OnPeriodicCollection(c.Request.Context(), now, req.Usages)
	if err != nil {
		abort(c, err)
		return
	}
	if stats == nil {
		stats = []overuse.PackageIoOveruseStats{}
	}
	c.JSON(http.StatusOK, wire.UsageResponse{Stats: stats})
}

func (d *daemon) handleStats(c *gin.Context) {
	uid, err := strconv.ParseInt(c.Param("uid"), 10, 32)
	if err != nil {
		badRequest(c, fmt.Errorf("uid %q: %w", c.Param("uid"), overuse.ErrInvalidArgument))
		return
	}
	stats, err := d.monitor.GetIoOveruseStats(int32(uid))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (d *daemon) handleDump(c *gin.Context) {
	var buf bytes.Buffer
	if err := d.service.Dump(&buf); err != nil {
		abort(c, err)
		return
	}
	stats := d.store.Stats()
	fmt.Fprintf(&buf, "ENFORCEMENT\n  Pending dumps: %d\n", d.enforcer.PendingDumps())
	fmt.Fprintf(&buf, "STORAGE\n  Keys: %d\n  Bytes: %d\n  Properties: %d\n", stats.Keys, stats.Bytes, d.props.Count())
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}
