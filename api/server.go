package api

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmbackup/checkpoint"
	"github.com/cocoonstack/vmbackup/hypervisor"
	"github.com/cocoonstack/vmbackup/moment"
	"github.com/cocoonstack/vmbackup/types"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Server serves one Hypervisor over HTTP.
type Server struct {
	hyper  hypervisor.Hypervisor
	router *gin.Engine
}

// NewServer builds the router for hyper.
func NewServer(hyper hypervisor.Hypervisor) *Server {
	s := &Server{hyper: hyper}
	router := gin.New()
	// refs and checkpoint names may carry escaped slashes
	router.UseRawPath = true
	router.Use(gin.Recovery(), ErrorHandler())

	v1 := router.Group(Prefix)
	v1.GET("/domains", s.listDomains)
	v1.POST("/domains", s.defineDomain)
	v1.GET("/domains/:ref", s.inspectDomain)
	v1.DELETE("/domains/:ref", s.undefineDomain)

	v1.POST("/domains/:ref/backups", s.beginBackup)
	v1.GET("/domains/:ref/backups/:id", s.dumpBackup)
	v1.DELETE("/domains/:ref/backups/:id", s.endBackup)

	v1.GET("/domains/:ref/checkpoints", s.listCheckpoints)
	v1.POST("/domains/:ref/checkpoints", s.createCheckpoint)
	v1.GET("/domains/:ref/checkpoints/:name", s.dumpCheckpoint)
	v1.DELETE("/domains/:ref/checkpoints/:name", s.deleteCheckpoint)
	v1.GET("/domains/:ref/checkpoints/:name/parent", s.checkpointParent)

	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on the unix socket path until ctx is done, then shuts
// down gracefully. A stale socket file is replaced.
func (s *Server) Serve(ctx context.Context, socket string) error {
	logger := log.WithFunc("api.Serve")
	if err := os.Remove(socket); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", socket, err)
	}
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return fmt.Errorf("listen %s: %w", socket, err)
	}
	defer os.Remove(socket) //nolint:errcheck
	if err := os.Chmod(socket, 0o660); err != nil { //nolint:mnd
		_ = ln.Close()
		return fmt.Errorf("chmod %s: %w", socket, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof(ctx, "listening on %s", socket)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve %s: %w", socket, err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Infof(ctx, "stopped")
	return nil
}

// --- domains ---

func (s *Server) listDomains(c *gin.Context) {
	infos, err := s.hyper.List(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, infos)
}

func (s *Server) defineDomain(c *gin.Context) {
	var req DefineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(types.Wrap(types.CodeInvalidArgument, err, "malformed define request"))
		return
	}
	info, err := s.hyper.Define(c.Request.Context(), req.Domain, req.QMPSocket)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) inspectDomain(c *gin.Context) {
	info, err := s.hyper.Inspect(c.Request.Context(), c.Param("ref"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) undefineDomain(c *gin.Context) {
	if _, err := s.hyper.Undefine(c.Request.Context(), []string{c.Param("ref")}); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- backups ---

func (s *Server) beginBackup(c *gin.Context) {
	var req BackupBeginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(types.Wrap(types.CodeInvalidArgument, err, "malformed backup request"))
		return
	}
	id, err := s.hyper.BackupBegin(c.Request.Context(), c.Param("ref"), req.BackupXML, req.CheckpointXML)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, BackupBeginResponse{ID: id})
}

func (s *Server) dumpBackup(c *gin.Context) {
	id, err := backupID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	xml, err := s.hyper.BackupGetXMLDesc(c.Request.Context(), c.Param("ref"), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, XMLResponse{XML: xml})
}

func (s *Server) endBackup(c *gin.Context) {
	id, err := backupID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if err := s.hyper.BackupEnd(c.Request.Context(), c.Param("ref"), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func backupID(c *gin.Context) (int, error) {
	raw := c.Param("id")
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 {
		return 0, types.Errorf(types.CodeInvalidArgument, "invalid backup job id '%s'", raw)
	}
	return id, nil
}

// --- checkpoints ---

func (s *Server) listCheckpoints(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(types.Wrap(types.CodeInvalidArgument, err, "malformed list query"))
		return
	}
	var filter moment.Filter
	if q.Roots {
		filter |= moment.ListRoots
	}
	if q.Descendants {
		filter |= moment.ListDescendants
	}
	if q.Leaves {
		filter |= moment.ListLeaves
	}
	if q.NoLeaves {
		filter |= moment.ListNoLeaves
	}
	names, err := s.hyper.CheckpointList(c.Request.Context(), c.Param("ref"), q.From, filter)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, NamesResponse{Names: names})
}

func (s *Server) createCheckpoint(c *gin.Context) {
	var req CheckpointCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(types.Wrap(types.CodeInvalidArgument, err, "malformed checkpoint request"))
		return
	}
	name, err := s.hyper.CheckpointCreate(c.Request.Context(), c.Param("ref"), req.XML, req.Redefine)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, NameResponse{Name: name})
}

func (s *Server) dumpCheckpoint(c *gin.Context) {
	var q dumpQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(types.Wrap(types.CodeInvalidArgument, err, "malformed dumpxml query"))
		return
	}
	var flags checkpoint.FormatFlags
	if q.Size {
		flags |= checkpoint.FormatSize
	}
	if q.NoDomain {
		flags |= checkpoint.FormatNoDomain
	}
	xml, err := s.hyper.CheckpointGetXMLDesc(c.Request.Context(), c.Param("ref"), c.Param("name"), flags)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, XMLResponse{XML: xml})
}

func (s *Server) deleteCheckpoint(c *gin.Context) {
	var q deleteQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(types.Wrap(types.CodeInvalidArgument, err, "malformed delete query"))
		return
	}
	var flags checkpoint.DeleteFlags
	if q.Children {
		flags |= checkpoint.DeleteChildren
	}
	if q.ChildrenOnly {
		flags |= checkpoint.DeleteChildrenOnly
	}
	if q.MetadataOnly {
		flags |= checkpoint.DeleteMetadataOnly
	}
	if err := s.hyper.CheckpointDelete(c.Request.Context(), c.Param("ref"), c.Param("name"), flags); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) checkpointParent(c *gin.Context) {
	name, err := s.hyper.CheckpointParent(c.Request.Context(), c.Param("ref"), c.Param("name"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, NameResponse{Name: name})
}
