package blobstore

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicmsg/internal/platform/auth"
)

// maxFilesPerUpload bounds the number of parts in one upload request.
const maxFilesPerUpload = 10

// uploadResponse is the JSON envelope returned by the upload endpoint.
type uploadResponse struct {
	Attachments []Attachment `json:"attachments"`
}

// BlobHandler provides Echo HTTP handlers for attachment uploads.
type BlobHandler struct {
	store     BlobStore
	urlPrefix string
}

// NewBlobHandler creates a new BlobHandler. urlPrefix is the public path
// downloads are served under, e.g. /api/v1/uploads.
func NewBlobHandler(store BlobStore, urlPrefix string) *BlobHandler {
	return &BlobHandler{store: store, urlPrefix: urlPrefix}
}

// RegisterRoutes mounts upload routes on the supplied Echo group.
func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/uploads", h.handleUpload)
	g.GET("/uploads/:id/metadata", h.handleGetMetadata)
	g.GET("/uploads/:id", h.handleDownload)
}

func (h *BlobHandler) handleUpload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart form is required")
	}
	files := form.File["files"]
	if len(files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one file is required")
	}
	if len(files) > maxFilesPerUpload {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("at most %d files per upload", maxFilesPerUpload))
	}

	createdBy := auth.UserIDFromContext(c.Request().Context())
	out := make([]Attachment, 0, len(files))
	for _, file := range files {
		meta, err := h.storeFile(c, file, createdBy)
		if err != nil {
			return err
		}
		out = append(out, meta.Attachment(h.urlPrefix))
	}
	return c.JSON(http.StatusCreated, uploadResponse{Attachments: out})
}

func (h *BlobHandler) storeFile(c echo.Context, file *multipart.FileHeader, createdBy string) (*BlobMetadata, error) {
	src, err := file.Open()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer src.Close()

	meta := BlobMetadata{
		FileName:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		CreatedBy:   createdBy,
	}
	result, err := h.store.Upload(c.Request().Context(), meta, src)
	if err != nil {
		switch {
		case errors.Is(err, ErrFileTooLarge):
			return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("%s: %v", file.Filename, err))
		case errors.Is(err, ErrMissingFileName):
			return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrInvalidContentType):
			return nil, echo.NewHTTPError(http.StatusUnsupportedMediaType, fmt.Sprintf("%s: %v", file.Filename, err))
		default:
			return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to store file")
		}
	}
	return result, nil
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	rc, meta, err := h.store.Download(c.Request().Context(), c.Param("id"))
	if err != nil {
		return blobError(err)
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, meta.FileName))
	c.Response().Header().Set("X-Content-SHA256", meta.Hash)
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *BlobHandler) handleGetMetadata(c echo.Context) error {
	meta, err := h.store.GetMetadata(c.Request().Context(), c.Param("id"))
	if err != nil {
		return blobError(err)
	}
	return c.JSON(http.StatusOK, meta)
}

func blobError(err error) error {
	if errors.Is(err, ErrBlobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "blob store failure")
}
