package daemon

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/g960059/agtbroker/internal/api"
	"github.com/g960059/agtbroker/internal/launcher"
	"github.com/g960059/agtbroker/internal/model"
	"github.com/g960059/agtbroker/internal/security"
	"github.com/g960059/agtbroker/internal/supervisor"
)

func (s *Server) healthHandler(c *gin.Context) {
	h := s.sup.Health()
	ids := h.ActiveSessionIDs
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, api.HealthResponse{
		SchemaVersion:        api.SchemaVersion,
		GeneratedAt:          s.now(),
		OK:                   true,
		MultiplexerAvailable: h.MultiplexerAvailable,
		ActiveSessionIDs:     ids,
	})
}

func (s *Server) waitingHandler(c *gin.Context) {
	c.JSON(http.StatusOK, api.WaitingResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Sessions:      s.sup.Waiting(c.Request.Context()),
	})
}

func (s *Server) spawnHandler(c *gin.Context) {
	var req api.SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid json body")
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		writeErrorCode(c, http.StatusBadRequest, model.ErrCodeInvalidRequest, "session_id is required")
		return
	}
	requires := make([]model.Capability, 0, len(req.Requires))
	for _, r := range req.Requires {
		requires = append(requires, model.Capability(r))
	}

	s.log.Info("spawn requested",
		zap.String("session_id", req.SessionID),
		zap.String("profile", string(req.Profile)),
		zap.String("command", security.RedactText(req.Command)),
		zap.Strings("args", security.RedactArgs(req.Args)),
		zap.Strings("env", security.RedactEnv(req.Env)),
		zap.String("launcher_id", req.LauncherID),
		zap.String("agent_endpoint", req.AgentEndpoint),
	)
	rec, placement, err := s.router.Spawn(c.Request.Context(), launcher.Request{
		SpawnRequest: supervisor.SpawnRequest{
			SessionID: req.SessionID,
			Command:   req.Command,
			Args:      req.Args,
			Cwd:       req.Cwd,
			Profile:   req.Profile,
			Cols:      req.Cols,
			Rows:      req.Rows,
			Env:       req.Env,
			ParentID:  req.ParentID,
		},
		LauncherID:    req.LauncherID,
		AgentEndpoint: req.AgentEndpoint,
		Requires:      requires,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, api.SpawnResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		SessionID:     rec.ID,
		Placement:     placement.String(),
		LauncherID:    placement.LauncherID,
	})
}

func (s *Server) statusHandler(c *gin.Context) {
	v, err := s.sup.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.StatusResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		SessionID:     v.SessionID,
		Status:        v.Status,
		Active:        v.Active,
		OutputSeq:     v.OutputSeq,
		TotalBytes:    v.TotalBytes,
		Healthy:       v.Healthy,
		InputState:    v.InputState,
		ExitCode:      v.ExitCode,
		LauncherID:    v.LauncherID,
	})
}

func (s *Server) killHandler(c *gin.Context) {
	id := c.Param("id")
	ok, err := s.sup.Kill(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		writeErrorCode(c, http.StatusConflict, model.ErrCodeNotRunning, "session "+id+" is not running")
		return
	}
	s.ok(c)
}

func (s *Server) resizeHandler(c *gin.Context) {
	var req api.ResizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid json body")
		return
	}
	if err := s.sup.Resize(c.Request.Context(), c.Param("id"), req.Cols, req.Rows); err != nil {
		writeError(c, err)
		return
	}
	s.ok(c)
}

func (s *Server) writeHandler(c *gin.Context) {
	var req api.WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid json body")
		return
	}
	if err := s.sup.Write(c.Request.Context(), c.Param("id"), []byte(req.Data)); err != nil {
		writeError(c, err)
		return
	}
	s.ok(c)
}

func (s *Server) inputStateHandler(c *gin.Context) {
	var req api.InputStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid json body")
		return
	}
	if err := s.sup.SetInputState(c.Request.Context(), c.Param("id"), req.State); err != nil {
		writeError(c, err)
		return
	}
	s.ok(c)
}

func (s *Server) launchersHandler(c *gin.Context) {
	snaps := s.registry.List(s.now())
	out := make([]api.LauncherResponse, 0, len(snaps))
	for _, snap := range snaps {
		caps := make([]string, 0, len(snap.Info.Capabilities))
		for _, cp := range snap.Info.Capabilities {
			caps = append(caps, string(cp))
		}
		sessions := snap.Info.Sessions
		if sessions == nil {
			sessions = []string{}
		}
		out = append(out, api.LauncherResponse{
			ID:            snap.Info.ID,
			Name:          snap.Info.Name,
			Host:          snap.Info.Host,
			Capacity:      snap.Info.Capacity,
			Capabilities:  caps,
			LastHeartbeat: snap.Info.LastHeartbeat,
			Sessions:      sessions,
			Eligible:      snap.Eligible,
		})
	}
	c.JSON(http.StatusOK, api.LaunchersEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Launchers:     out,
	})
}

func (s *Server) ok(c *gin.Context) {
	c.JSON(http.StatusOK, api.OKResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		OK:            true,
	})
}

func writeError(c *gin.Context, err error) {
	code := model.ErrorCode(err)
	writeErrorCode(c, httpStatus(code), code, err.Error())
}

func writeErrorCode(c *gin.Context, status int, code, msg string) {
	c.JSON(status, api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	})
}

func httpStatus(code string) int {
	switch code {
	case model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeAlreadyRunning, model.ErrCodeNotRunning:
		return http.StatusConflict
	case model.ErrCodeRecoveryFailed:
		return http.StatusGone
	case model.ErrCodeBridgeUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeSpawnFailed:
		return http.StatusBadGateway
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
