// Package server exposes the knowledge base over HTTP with gin.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"study-rag/internal/models"
	"study-rag/internal/service"
)

const (
	RequestIDHeader = "X-Request-ID"
	loggerKey       = "logger"
)

// Backend is the subset of service.Service the handlers use
type Backend interface {
	Ingest(ctx context.Context, uploads []service.Upload, opts service.IngestOptions) []service.IngestResult
	Query(ctx context.Context, question string) (*service.QueryResponse, error)
	Stats() models.Stats
	RemoveSource(source string) (int, error)
	Clear() error
}

type Server struct {
	backend   Backend
	engine    *gin.Engine
	maxUpload int64
}

func New(backend Backend, maxUpload int64) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	engine.MaxMultipartMemory = 32 << 20

	s := &Server{backend: backend, engine: engine, maxUpload: maxUpload}
	engine.GET("/healthz", s.health)

	api := engine.Group("/api/v1")
	api.GET("/documents", s.listDocuments)
	api.POST("/documents", s.uploadDocuments)
	api.DELETE("/documents", s.clearDocuments)
	api.DELETE("/documents/:source", s.removeDocument)
	api.POST("/query", s.query)
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log.Info().Msg("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}

// requestLogger tags every request with an id and logs it when done
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)

		logger := log.With().Str("request_id", id).Logger()
		c.Set(loggerKey, logger)

		start := time.Now()
		c.Next()

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}

func loggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(zerolog.Logger); ok {
			return &l
		}
	}
	return &log.Logger
}

// statusFor maps error kinds to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidArgument),
		errors.Is(err, models.ErrUnsupportedFormat),
		errors.Is(err, models.ErrExtractionEmpty):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrEmbeddingUnavailable),
		errors.Is(err, models.ErrCompletionUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		loggerFrom(c).Error().Err(err).Msg("Request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listDocuments(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Stats())
}

type ingestResult struct {
	Source string `json:"source"`
	Pages  int    `json:"pages"`
	Chunks int    `json:"chunks"`
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) uploadDocuments(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		abortWithError(c, errors.Join(models.ErrInvalidArgument, err))
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		abortWithError(c, errors.Join(models.ErrInvalidArgument, errors.New("no files uploaded")))
		return
	}
	replace, _ := strconv.ParseBool(c.PostForm("replace_existing"))

	uploads := make([]service.Upload, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			abortWithError(c, err)
			return
		}
		var r io.Reader = f
		if s.maxUpload > 0 {
			// one byte past the limit is enough for the service to reject it
			r = io.LimitReader(f, s.maxUpload+1)
		}
		data, err := io.ReadAll(r)
		f.Close()
		if err != nil {
			abortWithError(c, err)
			return
		}
		uploads = append(uploads, service.Upload{Name: fh.Filename, Data: data})
	}

	results := s.backend.Ingest(c.Request.Context(), uploads, service.IngestOptions{ReplaceExisting: replace})
	out := make([]ingestResult, len(results))
	indexed := 0
	for i, r := range results {
		out[i] = ingestResult{Source: r.Source, Pages: r.Pages, Chunks: r.Chunks, Status: http.StatusOK}
		if r.Err != nil {
			out[i].Status = statusFor(r.Err)
			out[i].Error = r.Err.Error()
			continue
		}
		indexed++
	}

	status := http.StatusOK
	if indexed == 0 {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"indexed": indexed, "results": out})
}

func (s *Server) clearDocuments(c *gin.Context) {
	if err := s.backend.Clear(); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) removeDocument(c *gin.Context) {
	n, err := s.backend.RemoveSource(c.Param("source"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": c.Param("source"), "removed": n})
}

type queryRequest struct {
	Question string `json:"question" binding:"required"`
}

func (s *Server) query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.Join(models.ErrInvalidArgument, err))
		return
	}
	resp, err := s.backend.Query(c.Request.Context(), req.Question)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
