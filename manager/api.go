package manager

import (
	"context"
	"errors"
	"net/http"
	"time"

	"density/auth"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ErrResponse struct {
	HTTPStatusCode int    `json:"code"`
	Message        string `json:"message"`
}

type Api struct {
	Listen  string
	Manager *Manager
	Router  *gin.Engine
	Version string

	key    []byte
	logger *zap.Logger
}

func NewApi(listen string, m *Manager, key []byte, version string, logger *zap.Logger) *Api {
	a := &Api{
		Listen:  listen,
		Manager: m,
		Version: version,
		key:     key,
		logger:  logger,
	}
	a.initRouter()
	return a
}

func (a *Api) initRouter() {
	a.Router = gin.New()
	a.Router.Use(gin.Recovery(), a.accessLog())
	a.Router.GET("/", a.home)
	a.Router.GET("/healthz", a.health)

	api := a.Router.Group("/api", auth.Middleware(a.key))
	{
		api.GET("/tasks", a.listTasks)
		api.POST("/tasks", a.createTask)
		api.GET("/task/:id", a.getTask)
		api.GET("/tasks/:id", a.getTask)
		api.DELETE("/tasks/:id", a.deleteTask)
		api.GET("/tasks/:id/volume/*path", a.readVolume)
		api.GET("/events", a.events)
	}
}

// Start serves the API until ctx is done, then shuts the server down.
func (a *Api) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Listen,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.logger.Info("Listening", zap.String("listen", a.Listen))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Api) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
