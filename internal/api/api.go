// Package api exposes the engine over HTTP.
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dupless/dupless/internal/common"
	"github.com/dupless/dupless/internal/engine"
	"github.com/dupless/dupless/internal/index"
)

type API struct {
	engine *engine.Engine
	apiKey string
	log    *zap.Logger
}

func New(eng *engine.Engine, apiKey string, log *zap.Logger) *API {
	return &API{
		engine: eng,
		apiKey: apiKey,
		log:    log.With(zap.String("component", "api")),
	}
}

func (a *API) RegisterRoutes(router *gin.Engine) {
	router.Use(requestLogger(a.log))
	router.GET("/api/healthz", a.healthz)

	files := router.Group("/api")
	files.Use(authMiddleware(a.apiKey))

	files.POST("/files", a.uploadFile)
	files.GET("/files", a.listFiles)
	files.GET("/files/:id", a.downloadFile)
	files.PATCH("/files/:id", a.renameFile)
	files.DELETE("/files/:id", a.deleteFile)
	files.GET("/statistics", a.getStatistics)
}

func (a *API) uploadFile(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	defer file.Close()

	meta := engine.UploadMeta{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		UploadedBy:  c.PostForm("uploaded_by"),
	}

	entry, err := a.engine.Upload(c.Request.Context(), file, meta)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (a *API) listFiles(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entries, err := a.engine.List(c.Request.Context(), filter)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if entries == nil {
		entries = []*index.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"files": entries, "count": len(entries)})
}

func (a *API) downloadFile(c *gin.Context) {
	entry, rc, err := a.engine.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Content-Type", entry.ContentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entry.Name))
	c.Header("Content-Length", strconv.FormatInt(entry.Size, 10))
	if _, err := io.Copy(c.Writer, rc); err != nil {
		a.log.Error("sending file failed", zap.String("id", entry.ID), zap.Error(err))
	}
}

func (a *API) renameFile(c *gin.Context) {
	var body struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	if err := a.engine.Rename(c.Request.Context(), c.Param("id"), body.Name); err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "File renamed"})
}

func (a *API) deleteFile(c *gin.Context) {
	if err := a.engine.Delete(c.Request.Context(), c.Param("id")); err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "File deleted"})
}

// getStatistics serves the six counters. The aggregator never fails,
// so this endpoint is safe to poll at high frequency.
func (a *API) getStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, a.engine.Statistics(c.Request.Context()))
}

func (a *API) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, common.ErrCapacityExceeded):
		c.JSON(http.StatusInsufficientStorage, gin.H{"error": "Storage capacity exceeded"})
	default:
		a.log.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

// parseFilter builds an index filter from query parameters. Absent or
// empty parameters impose no constraint.
func parseFilter(c *gin.Context) (index.Filter, error) {
	var filter index.Filter

	filter.Name = c.Query("name")
	if raw := c.Query("file_type"); raw != "" {
		filter.Types = strings.Split(raw, ",")
	}

	var err error
	if filter.MinSize, err = parseSize(c.Query("size_min")); err != nil {
		return filter, err
	}
	if filter.MaxSize, err = parseSize(c.Query("size_max")); err != nil {
		return filter, err
	}
	if filter.UploadedAfter, err = parseTime(c.Query("uploaded_from")); err != nil {
		return filter, err
	}
	if filter.UploadedBefore, err = parseTime(c.Query("uploaded_to")); err != nil {
		return filter, err
	}

	filter.OrderBy = c.Query("order_by")
	filter.OrderDir = c.Query("order_dir")
	filter.Limit, _ = strconv.Atoi(c.Query("limit"))
	filter.Offset, _ = strconv.Atoi(c.Query("offset"))
	return filter, nil
}

func parseSize(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid size %q", raw)
	}
	return &n, nil
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid timestamp %q", raw)
}
