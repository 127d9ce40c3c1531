package intake

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/fhir"
	"github.com/ehr/intake/internal/platform/tabular"
	"github.com/ehr/intake/pkg/pagination"
)

const (
	msgAllCreated  = "Successfully created patients"
	msgSomeFailed  = "Some patients could not be created"
	msgInvalidType = "Invalid file type"
)

type Handler struct {
	svc          *Service
	batchTimeout time.Duration
	logger       zerolog.Logger
}

// NewHandler builds the upload handler. A positive batchTimeout bounds how
// long one upload may spend talking to the FHIR server.
func NewHandler(svc *Service, batchTimeout time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, batchTimeout: batchTimeout, logger: logger}
}

// RegisterRoutes mounts the intake endpoints on api. readMW applies to the
// report lookups only, so a slow upload is never cut off by it.
func (h *Handler) RegisterRoutes(api *echo.Group, readMW ...echo.MiddlewareFunc) {
	api.POST("/patients", h.Upload)
	api.GET("/imports", h.ListImports, readMW...)
	api.GET("/imports/:id", h.GetImport, readMW...)
}

type uploadResponse struct {
	Message string          `json:"message"`
	BatchID uuid.UUID       `json:"batch_id"`
	Summary Summary         `json:"summary"`
	Records []RecordOutcome `json:"records"`
}

// Upload accepts a multipart "file" (CSV or XLSX), processes every row and
// answers 201 when all records were fully persisted, 207 otherwise.
func (h *Handler) Upload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("file is required"))
	}

	format, err := tabular.DetectFormat(file.Header.Get(echo.HeaderContentType), file.Filename)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(msgInvalidType))
	}

	src, err := file.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("failed to open uploaded file"))
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("failed to read uploaded file"))
	}

	rows, err := tabular.Decode(format, data)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	ctx := c.Request().Context()
	if h.batchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.batchTimeout)
		defer cancel()
	}

	report, err := h.svc.Import(ctx, file.Filename, rows)
	if err != nil {
		h.logger.Error().Err(err).
			Str("batch_id", report.ID.String()).
			Msg("failed to store batch report")
	}

	status, msg := http.StatusCreated, msgAllCreated
	if report.HasFailures() {
		status, msg = http.StatusMultiStatus, msgSomeFailed
	}
	return c.JSON(status, uploadResponse{
		Message: msg,
		BatchID: report.ID,
		Summary: report.Summary,
		Records: report.Records,
	})
}

func (h *Handler) GetImport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	report, err := h.svc.GetReport(c.Request().Context(), id)
	if errors.Is(err, ErrReportNotFound) {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("ImportBatch", id.String()))
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) ListImports(c echo.Context) error {
	pg := pagination.FromContext(c)
	reports, total, err := h.svc.ListReports(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := pagination.NewResponse(reports, total, pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL.Path, total)
	return c.JSON(http.StatusOK, resp)
}
