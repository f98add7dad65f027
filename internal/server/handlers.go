package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"filevault/internal/apperr"
	"filevault/internal/models"
	"filevault/internal/processing"
	"filevault/internal/upload"
)

// readForm pulls the "file" part of a multipart request.
func (s *Server) readForm(c *gin.Context) ([]byte, string, string, error) {
	const op = "server.readForm"
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, "", "", apperr.Newf(apperr.KindValidationFailed, op, "multipart field \"file\" is required")
	}
	if fh.Size > s.maxUpload {
		return nil, "", "", apperr.Newf(apperr.KindValidationFailed, op, "file is %d bytes, limit is %d", fh.Size, s.maxUpload)
	}
	src, err := fh.Open()
	if err != nil {
		return nil, "", "", fmt.Errorf("%s: %w", op, err)
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, s.maxUpload+1))
	if err != nil {
		return nil, "", "", fmt.Errorf("%s: %w", op, err)
	}
	if int64(len(data)) > s.maxUpload {
		return nil, "", "", apperr.Newf(apperr.KindValidationFailed, op, "file exceeds %d bytes", s.maxUpload)
	}
	mimeType := c.PostForm("mime_type")
	if mimeType == "" {
		mimeType = fh.Header.Get("Content-Type")
	}
	return data, fh.Filename, mimeType, nil
}

func (s *Server) handleUpload(c *gin.Context) {
	data, name, mimeType, err := s.readForm(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	f, err := s.deps.Files.UploadFile(c.Request.Context(), upload.Request{
		Data:     data,
		Filename: name,
		MimeType: mimeType,
		OwnerID:  c.PostForm("owner_id"),
		EntityID: c.PostForm("entity_id"),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

func (s *Server) handleGetFile(c *gin.Context) {
	f, err := s.deps.Files.GetFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *Server) handleEntityFiles(c *gin.Context) {
	list, err := s.deps.Files.GetFilesByEntity(c.Request.Context(), c.Param("entityId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": list})
}

func (s *Server) handleDeleteFile(c *gin.Context) {
	if err := s.deps.Files.DeleteFile(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDownloadURL(c *gin.Context) {
	link, err := s.deps.Files.GetDownloadURL(c.Request.Context(), c.Param("id"), models.VariantType(c.Query("variant")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

func versionParam(c *gin.Context) (int, error) {
	n, err := strconv.Atoi(c.Param("number"))
	if err != nil || n < 1 {
		return 0, apperr.Newf(apperr.KindValidationFailed, "server.versionParam", "version must be a positive integer")
	}
	return n, nil
}

func (s *Server) handleListVersions(c *gin.Context) {
	list, err := s.deps.Files.GetVersionHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": list})
}

func (s *Server) handleCreateVersion(c *gin.Context) {
	data, _, mimeType, err := s.readForm(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	snap, err := s.deps.Files.CreateVersion(c.Request.Context(), c.Param("id"), data, mimeType, c.PostForm("note"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleRestoreVersion(c *gin.Context) {
	n, err := versionParam(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	snap, err := s.deps.Files.RestoreVersion(c.Request.Context(), c.Param("id"), n)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleDeleteVersion(c *gin.Context) {
	n, err := versionParam(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.deps.Files.DeleteVersion(c.Request.Context(), c.Param("id"), n); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleEnqueue takes processing options as JSON; an empty body selects
// every job the configuration allows.
func (s *Server) handleEnqueue(c *gin.Context) {
	const op = "server.handleEnqueue"
	opts := processing.DefaultOptions(s.cfg.Processing)
	if c.Request.ContentLength != 0 {
		opts = processing.Options{}
		if err := c.ShouldBindJSON(&opts); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(c, apperr.Newf(apperr.KindValidationFailed, op, "invalid options: %v", err))
			return
		}
	}
	jobs, err := s.deps.Files.QueueProcessing(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobs": jobs})
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs, err := s.deps.Files.Jobs().ListJobs(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleCancelJobs(c *gin.Context) {
	n, err := s.deps.Files.Jobs().CancelJobs(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}

func (s *Server) handleGetJob(c *gin.Context) {
	j, err := s.deps.Files.Jobs().GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) handleRetryJob(c *gin.Context) {
	j, err := s.deps.Files.Jobs().RetryJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, j)
}

func (s *Server) handleJobStats(c *gin.Context) {
	st, err := s.deps.Files.Jobs().GetStats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": st, "total": st.Total()})
}

// handleEvents streams a file's processing events as server-sent events
// until the client goes away.
func (s *Server) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	fileID := c.Param("id")
	if _, err := s.deps.Files.GetFile(ctx, fileID); err != nil {
		s.writeError(c, err)
		return
	}
	ch, cancel, err := s.deps.Events.Subscribe(ctx, fileID)
	if err != nil {
		s.writeError(c, apperr.Wrap(apperr.KindStorageUnavailable, "server.handleEvents", err))
		return
	}
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	s.log.Debug("event stream opened", zap.String("file_id", fileID))
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		}
	})
}
