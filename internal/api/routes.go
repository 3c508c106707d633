package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"docflow/internal/blob"
	"docflow/internal/dispatcher"
	"docflow/internal/pdfsplit"
	"docflow/internal/records"
	"docflow/internal/service"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type API struct {
	svc *service.Service
	// blobs and secret serve signed local blob links; both may be zero
	// when objects live in GCS.
	blobs     blob.Store
	secret    string
	accessTTL time.Duration
	now       func() time.Time
}

func NewAPI(svc *service.Service, blobs blob.Store, secret string, accessTTL time.Duration) *API {
	return &API{svc: svc, blobs: blobs, secret: secret, accessTTL: accessTTL, now: time.Now}
}

func registerRoutes(r *gin.Engine, api *API) {
	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/health", api.handleHealth)

		apiGroup.POST("/sessions", api.handleCreateSession)
		apiGroup.GET("/sessions/:id", api.handleGetSession)
		apiGroup.POST("/sessions/:id/enqueue", api.handleEnqueue)
		apiGroup.GET("/sessions/:id/results", api.handleResults)
		apiGroup.GET("/sessions/:id/export", api.handleExport)
		apiGroup.POST("/sessions/:id/sheet", api.handleExportSheet)
		apiGroup.POST("/sessions/:id/expire", api.handleExpire)
		apiGroup.GET("/sessions/:id/jobs/:job/download", api.handleDownload)

		apiGroup.GET("/blobs/*path", api.handleServeBlob)
	}
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) handleCreateSession(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	req := service.SessionRequest{
		OwnerID: c.PostForm("owner_id"),
		Tier:    c.PostForm("tier"),
		ModelID: c.PostForm("model_id"),
	}
	for _, header := range form.File["files"] {
		upload, err := readUpload(header)
		if err != nil {
			respondError(c, http.StatusBadRequest, err)
			return
		}
		req.Files = append(req.Files, upload)
	}

	session, err := a.svc.CreateSession(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if c.Query("enqueue") == "true" {
		if err := a.svc.EnqueueSession(c.Request.Context(), session.ID); err != nil {
			respondServiceError(c, err)
			return
		}
	}

	status, err := a.svc.GetSessionStatus(c.Request.Context(), session.ID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, status)
}

func readUpload(header *multipart.FileHeader) (service.Upload, error) {
	file, err := header.Open()
	if err != nil {
		return service.Upload{}, fmt.Errorf("open %s: %w", header.Filename, err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return service.Upload{}, fmt.Errorf("read %s: %w", header.Filename, err)
	}
	return service.Upload{
		Name:     header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Data:     data,
	}, nil
}

func (a *API) handleGetSession(c *gin.Context) {
	status, err := a.svc.GetSessionStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (a *API) handleEnqueue(c *gin.Context) {
	if err := a.svc.EnqueueSession(c.Request.Context(), c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": c.Param("id"), "queued": true})
}

func (a *API) handleResults(c *gin.Context) {
	results, err := a.svc.GetJobResults(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (a *API) handleExport(c *gin.Context) {
	data, err := a.svc.ExportResults(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="session-%s.xlsx"`, c.Param("id")))
	c.Data(http.StatusOK, xlsxContentType, data)
}

func (a *API) handleExportSheet(c *gin.Context) {
	var payload struct {
		SheetURL string `json:"sheet_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	rows, err := a.svc.ExportToSheet(c.Request.Context(), c.Param("id"), payload.SheetURL)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows_written": rows})
}

func (a *API) handleExpire(c *gin.Context) {
	var payload struct {
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			respondError(c, http.StatusBadRequest, err)
			return
		}
	}
	at := a.now()
	if payload.ExpiresAt != nil {
		at = *payload.ExpiresAt
	}

	report, err := a.svc.ExpediteExpiry(c.Request.Context(), c.Param("id"), at)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":    report.SessionID,
		"expired":       report.Expired,
		"expires_at":    at.UTC(),
		"blobs_deleted": report.BlobsDeleted,
		"jobs_expired":  report.JobsExpired,
	})
}

func (a *API) handleDownload(c *gin.Context) {
	url, err := a.svc.RenamedURL(c.Request.Context(), c.Param("id"), c.Param("job"), a.accessTTL)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.Redirect(http.StatusFound, url)
}

func (a *API) handleServeBlob(c *gin.Context) {
	if a.blobs == nil || a.secret == "" {
		respondMessage(c, http.StatusNotFound, "blob serving is disabled")
		return
	}
	expires, err := strconv.ParseInt(c.Query("exp"), 10, 64)
	if err != nil {
		respondMessage(c, http.StatusBadRequest, "invalid expiration")
		return
	}
	if !blob.ValidateSignature(c.Request.URL.Path, expires, c.Query("sig"), a.secret, a.now()) {
		respondMessage(c, http.StatusForbidden, "invalid signature")
		return
	}

	key := strings.TrimPrefix(c.Param("path"), "/")
	data, err := a.blobs.Get(c.Request.Context(), key)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.Data(http.StatusOK, pdfsplit.MimeType(key, "", data), data)
}

func respondServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, records.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, pdfsplit.ErrEmptyDocument), errors.Is(err, blob.ErrInvalidPath):
		status = http.StatusBadRequest
	case errors.Is(err, dispatcher.ErrSessionClosed):
		status = http.StatusConflict
	case errors.Is(err, service.ErrSheetsUnavailable):
		status = http.StatusNotImplemented
	}
	respondError(c, status, err)
}

func respondError(c *gin.Context, status int, err error) {
	respondMessage(c, status, err.Error())
}

func respondMessage(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
