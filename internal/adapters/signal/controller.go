// Package signal is the websocket side of the Transport Fan-out Layer: one
// read pump and one write pump per connection.
package signal

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/WatchRoom/internal/app/orch"
	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
)

type Config struct {
	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 32 << 10
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 54 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	return c
}

func (c Config) pongWait() time.Duration { return c.PingPeriod * 10 / 9 }

type SignalWSController struct {
	Orch     *orch.Orchestrator
	cfg      Config
	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, cfg Config) *SignalWSController {
	return &SignalWSController{
		Orch: o,
		cfg:  cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleSignal upgrades an already authenticated request. ctx bounds the
// session lifetime (server shutdown cancels it).
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, id domain.Identity, token string) {
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		ctl.Orch.RejectConnection("upgrade_failed")
		return
	}

	sid := core.SessionID(uuid.NewString())
	conn := newConn(ws, ctl.cfg.SendBuffer)
	meta := domain.NewMember(string(sid), id, 0)
	sess := core.NewMemberSession(meta, conn)

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(sid, sess, cancel, token)
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("user", string(id.ID)).Msg("new WS connection")

	go ctl.writePump(ctx, sid, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
