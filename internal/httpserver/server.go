// Package httpserver exposes the live session over a small JSON API,
// for scraping the same numbers the terminal view shows.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lebinh/ngxtop/internal/model"
	"github.com/lebinh/ngxtop/internal/render"
)

// ReportSource is the narrow contract the API needs; the reporter
// satisfies it.
type ReportSource interface {
	BuildReport(final bool) model.Report
}

// Server provides the HTTP API over a running session.
type Server struct {
	addr      string
	source    ReportSource
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates an HTTP API server bound to addr.
func NewServer(addr string, source ReportSource) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   addr,
		source: source,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins serving requests in the background.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/stats", s.handleStats)
	r.GET("/api/report", s.handleReport)

	s.server = &http.Server{
		Handler:           r,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.startTime = time.Now()
	go s.server.Serve(listener)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	report := s.source.BuildReport(false)
	c.JSON(http.StatusOK, gin.H{
		"elapsed_seconds": report.Elapsed.Seconds(),
		"lines":           report.Lines,
		"records":         report.Records,
		"skipped":         report.Skipped,
		"filtered":        report.Filtered,
		"rate":            report.Rate,
	})
}

func (s *Server) handleReport(c *gin.Context) {
	report := s.source.BuildReport(false)
	tables := make([]gin.H, 0, len(report.Tables))
	for _, table := range report.Tables {
		rows := make([]map[string]any, 0, len(table.Rows))
		for _, row := range table.Rows {
			out := make(map[string]any, len(row))
			for col, v := range row {
				out[col] = v
			}
			rows = append(rows, out)
		}
		tables = append(tables, gin.H{
			"name":    table.Name,
			"columns": table.Columns,
			"rows":    rows,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"summary": render.SummaryLine(report),
		"tables":  tables,
	})
}
