package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jmorganca/disentangle/api"
	"github.com/jmorganca/disentangle/decode"
	"github.com/jmorganca/disentangle/envconfig"
	"github.com/jmorganca/disentangle/latent"
	"github.com/jmorganca/disentangle/metrics"
	"github.com/jmorganca/disentangle/model"
	"github.com/jmorganca/disentangle/version"
)

type Server struct {
	service *Service
}

func New(m *model.Model, seed int64) *Server {
	return &Server{service: NewService(m, seed)}
}

// statusCode maps request errors to 400 and everything else to 500.
func statusCode(err error) int {
	switch {
	case errors.Is(err, errNoInputs),
		errors.Is(err, latent.ErrShapeMismatch),
		errors.Is(err, latent.ErrUnsupported),
		errors.Is(err, decode.ErrInvalidOptions),
		errors.Is(err, model.ErrUnknownToken):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// requestID tags every request with an X-Request-ID, reusing the caller's.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}

		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func abort(c *gin.Context, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "request_id", c.GetString("request_id"), "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func (s *Server) DecodeHandler(c *gin.Context) {
	var req api.DecodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.service.Decode(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("decode request canceled")
			return
		}
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) EstimateHandler(c *gin.Context) {
	var req api.EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.service.Estimate(req)
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GenerateRoutes() http.Handler {
	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowBrowserExtensions = true
	config.AllowOrigins = envconfig.AllowOrigins

	r := gin.Default()
	r.Use(cors.New(config), requestID(), metrics.Middleware())

	for _, method := range []string{http.MethodGet, http.MethodHead} {
		r.Handle(method, "/", func(c *gin.Context) {
			c.String(http.StatusOK, "disentangle is running")
		})

		r.Handle(method, "/api/version", func(c *gin.Context) {
			c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version})
		})
	}

	r.POST("/api/decode", s.DecodeHandler)
	r.POST("/api/estimate", s.EstimateHandler)

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	return r
}

// Serve answers requests on ln until ctx is done or the process is
// interrupted.
func Serve(ctx context.Context, ln net.Listener, m *model.Model) error {
	if !envconfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := New(m, envconfig.Seed)
	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	slog.Info("Listening on " + ln.Addr().String() + " (version " + version.Version + ")")
	slog.Info("model", "vocab", m.Vocabulary.Size(), "content", m.Config.Content, "style", m.Config.Style, "hidden", m.Config.Hidden)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srvr.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")

		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srvr.Shutdown(shutdown)
	})

	return g.Wait()
}
