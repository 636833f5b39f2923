package greenroots

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/minus-twelve/greenroots/internal/apperr"
	"github.com/minus-twelve/greenroots/internal/metrics"
	"go.uber.org/zap"
)

type CommandType string

const (
	CommandCheckSession CommandType = "CHECK_SESSION"
	CommandLogout       CommandType = "LOGOUT"
)

type Command struct {
	Type CommandType `json:"type"`
}

// Reply answers exactly one Command. It encodes as {"isValid":bool} for
// CHECK_SESSION and {"success":bool} for LOGOUT.
type Reply struct {
	Type    CommandType
	IsValid bool
	Success bool
	Err     error
}

func (r Reply) MarshalJSON() ([]byte, error) {
	switch {
	case r.Err != nil:
		return json.Marshal(map[string]any{"success": false, "error": r.Err.Error()})
	case r.Type == CommandCheckSession:
		return json.Marshal(map[string]bool{"isValid": r.IsValid})
	default:
		return json.Marshal(map[string]bool{"success": r.Success})
	}
}

// Post runs cmd asynchronously. The returned channel receives exactly one
// reply and is never closed without one.
func (w *Worker) Post(ctx context.Context, cmd Command) <-chan Reply {
	replies := make(chan Reply, 1)
	go func() {
		replies <- w.execute(ctx, cmd)
	}()
	return replies
}

func (w *Worker) execute(ctx context.Context, cmd Command) Reply {
	metrics.ControlMessages.WithLabelValues(string(cmd.Type)).Inc()

	switch cmd.Type {
	case CommandCheckSession:
		return Reply{Type: cmd.Type, IsValid: w.CheckSession(ctx)}
	case CommandLogout:
		if err := w.Logout(ctx); err != nil {
			w.log.Warn("logout failed", zap.Error(err))
			return Reply{Type: cmd.Type, Success: false}
		}
		return Reply{Type: cmd.Type, Success: true}
	default:
		return Reply{Type: cmd.Type, Err: fmt.Errorf("unknown command %q", cmd.Type)}
	}
}

func (w *Worker) handleControl(c *gin.Context) {
	var cmd Command
	if c.Request.Method != http.MethodPost || c.ShouldBindJSON(&cmd) != nil {
		c.AbortWithStatusJSON(apperr.ErrBadRequest.StatusCode, apperr.ErrBadRequest.Body())
		return
	}

	select {
	case reply := <-w.Post(c.Request.Context(), cmd):
		status := http.StatusOK
		if reply.Err != nil {
			status = http.StatusBadRequest
		}
		c.JSON(status, reply)
	case <-c.Request.Context().Done():
		c.Abort()
	}
}

func (w *Worker) handleControlSocket(c *gin.Context) {
	conn, err := w.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		w.log.Warn("control socket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.log.Debug("control socket closed", zap.Error(err))
			}
			return
		}
		reply := <-w.Post(ctx, cmd)
		if err := conn.WriteJSON(reply); err != nil {
			w.log.Warn("control socket write failed", zap.Error(err))
			return
		}
	}
}

func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}
