package server

import (
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"filevault/internal/apperr"
	"filevault/internal/provider"
)

// Signed blob routes exist only for the filesystem backend; S3 URLs point
// at the bucket directly.

func blobKey(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("key"), "/")
}

func (s *Server) handleBlobGet(local *provider.Local) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := blobKey(c)
		opts, err := local.VerifySignedRequest(provider.OpGet, key, c.Request.URL.Query())
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired signature"})
			return
		}
		dl, err := local.Download(c.Request.Context(), key, "")
		if err != nil {
			s.writeError(c, err)
			return
		}
		ct := opts.ContentType
		if ct == "" {
			ct = dl.ContentType
		}
		if opts.Filename != "" {
			c.Header("Content-Disposition", mime.FormatMediaType(string(opts.Disposition), map[string]string{"filename": opts.Filename}))
		}
		c.Header("ETag", dl.ETag)
		c.Data(http.StatusOK, ct, dl.Data)
	}
}

func (s *Server) handleBlobPut(local *provider.Local) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := blobKey(c)
		opts, err := local.VerifySignedRequest(provider.OpPut, key, c.Request.URL.Query())
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired signature"})
			return
		}
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, s.maxUpload+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
			return
		}
		if int64(len(data)) > s.maxUpload {
			s.writeError(c, apperr.Newf(apperr.KindValidationFailed, "server.handleBlobPut", "body exceeds %d bytes", s.maxUpload))
			return
		}
		ct := opts.ContentType
		if ct == "" {
			ct = c.ContentType()
		}
		res, err := local.Upload(c.Request.Context(), key, data, ct, nil)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": res.Key, "etag": res.ETag, "size": res.Size})
	}
}

// handleContent serves a decrypted original behind a content token.
func (s *Server) handleContent(c *gin.Context) {
	content, err := s.deps.Delivery.OpenContent(c.Request.Context(), c.Param("token"))
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInvalidState {
			c.JSON(http.StatusForbidden, gin.H{"error": "link is invalid or expired"})
			return
		}
		s.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "private, no-store")
	c.Header("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": content.Filename}))
	c.Data(http.StatusOK, content.MimeType, content.Data)
}
