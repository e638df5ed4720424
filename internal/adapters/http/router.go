package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/WatchRoom/internal/adapters/signal"
	"github.com/dkeye/WatchRoom/internal/apikeys"
	"github.com/dkeye/WatchRoom/internal/app/orch"
	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
	"github.com/dkeye/WatchRoom/internal/playback"
	"github.com/dkeye/WatchRoom/internal/telemetry"
	"github.com/dkeye/WatchRoom/internal/turn"
)

type Deps struct {
	Mode        string
	MetricsPath string
	Orch        *orch.Orchestrator
	Verifier    core.Verifier
	// Rooms serves REST reads and may be a bounded-staleness cache.
	Rooms     core.RoomStore
	Playback  *playback.Engine
	Keys      *apikeys.Service
	Telemetry *telemetry.Log
	ICE       *turn.Generator
	Gatherer  prometheus.Gatherer
	WS        signal.Config
}

func status(err error) int {
	switch {
	case errors.Is(err, domain.ErrBadPayload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuthRejected):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrNotHost):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func SetupRouter(ctx context.Context, d Deps) *gin.Engine {
	if d.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if d.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	r.Use(cors.New(corsConfig))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": d.Orch.NodeID})
	})
	if d.Gatherer != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	ctrl := signal.NewSignalWSController(d.Orch, d.WS)
	api.GET("/ws", RequireAuth(d.Verifier, func() { d.Orch.RejectConnection("auth_rejected") }), func(c *gin.Context) {
		token, _ := c.Get(ctxToken)
		ctrl.HandleSignal(ctx, c, identity(c), token.(string))
	})

	authed := api.Group("", RequireAuth(d.Verifier, nil))
	authed.GET("/rooms/:id", d.getRoom)
	if d.ICE != nil {
		authed.GET("/ice", d.getICE)
	}

	if d.Keys != nil && d.Telemetry != nil {
		api.GET("/telemetry/rooms/:id/events", RequireAPIKey(d.Keys, apikeys.ScopeTelemetryRead), d.getEvents)
	}

	log.Info().Str("module", "adapters.http").Str("mode", d.Mode).Msg("router setup")
	return r
}

func (d Deps) getRoom(c *gin.Context) {
	id, err := domain.ParseRoomID(c.Param("id"))
	if err != nil {
		abort(c, status(err), err)
		return
	}
	st, err := d.Rooms.GetRoom(c.Request.Context(), id)
	if err != nil {
		abort(c, status(err), err)
		return
	}
	members, err := d.Rooms.Members(c.Request.Context(), id)
	if err != nil {
		abort(c, status(err), err)
		return
	}
	c.JSON(http.StatusOK, d.Playback.Snapshot(st, len(members)))
}

func (d Deps) getICE(c *gin.Context) {
	servers, expires := d.ICE.Credentials(identity(c).ID)
	c.JSON(http.StatusOK, gin.H{"iceServers": servers, "expiresAt": expires.Unix()})
}

// getEvents serves recent room events to the room's host only.
func (d Deps) getEvents(c *gin.Context) {
	id, err := domain.ParseRoomID(c.Param("id"))
	if err != nil {
		abort(c, status(err), err)
		return
	}
	v, _ := c.Get(ctxAPIKey)
	key := v.(apikeys.APIKey)

	st, err := d.Rooms.GetRoom(c.Request.Context(), id)
	if err != nil {
		abort(c, status(err), err)
		return
	}
	if st.HostID == "" || string(st.HostID) != key.Owner {
		abort(c, http.StatusForbidden, domain.ErrForbidden)
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	recent, err := d.Telemetry.Recent(c.Request.Context(), id, limit)
	if err != nil {
		abort(c, status(err), err)
		return
	}
	c.JSON(http.StatusOK, recent)
}
