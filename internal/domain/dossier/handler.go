package dossier

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/portal/internal/platform/auth"
	"github.com/ehr/portal/pkg/pagination"
)

// uploadField is the multipart field carrying attachment files.
const uploadField = "files"

type Handler struct {
	svc   *Service
	mgr   *Manager
	query *QueryService
}

func NewHandler(svc *Service, mgr *Manager, query *QueryService) *Handler {
	return &Handler{svc: svc, mgr: mgr, query: query}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints: admin, physician, nurse, receptionist
	readGroup := api.Group("", auth.RequireRole(auth.ReadRoles...))
	readGroup.GET("/dossiers", h.ListDossiers)
	readGroup.GET("/dossiers/:id", h.GetDossier)
	readGroup.GET("/patients/:patientId/dossier", h.GetPatientDossier)

	// Write endpoints: admin, physician, nurse
	writeGroup := api.Group("", auth.RequireRole(auth.ClinicalRoles...))
	writeGroup.POST("/dossiers", h.CreateDossier)
	writeGroup.PATCH("/dossiers/:id", h.UpdateDossier)
	writeGroup.POST("/dossiers/:id/subrecords/:kind", h.AppendSubrecord)
	writeGroup.DELETE("/dossiers/:id/subrecords/:kind/:index", h.RemoveSubrecord)
	writeGroup.POST("/patients/:patientId/dossier/imaging", h.AddImaging)
	writeGroup.DELETE("/dossiers/:id/imaging/:instanceId", h.RemoveImaging)
	writeGroup.POST("/dossiers/:id/imaging/reattach", h.ReattachImaging)
	writeGroup.POST("/patients/:patientId/dossier/documents", h.AddDocuments)
	writeGroup.POST("/dossiers/:id/documents/reattach", h.ReattachDocuments)
	writeGroup.DELETE("/dossiers/:id/documents", h.RemoveDocument)

	// Reconciliation: admin only
	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.GET("/dossiers/:id/orphans", h.ScanOrphans)
	adminGroup.POST("/dossiers/:id/orphans/purge", h.PurgeOrphans)
}

// errorStatus maps domain errors to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidKind), errors.Is(err, ErrIndexOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoDossier):
		return http.StatusNotFound
	case errors.Is(err, ErrDossierExists):
		return http.StatusConflict
	case errors.Is(err, ErrNoValidFiles):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrArchiveUnreachable), errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "no_valid_files"
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	return "internal"
}

// respondError writes the JSON body for err. data is only used for partial
// failures, where it carries what did succeed.
func respondError(c echo.Context, err error, data interface{}) error {
	var perr *PartialFailureError
	if errors.As(err, &perr) {
		return c.JSON(http.StatusMultiStatus, map[string]interface{}{
			"error":     "partial_failure",
			"message":   perr.Error(),
			"operation": perr.Op,
			"state":     perr.State,
			"orphaned":  nonNil(perr.Orphaned),
			"dangling":  nonNil(perr.Dangling),
			"data":      data,
		})
	}

	status := errorStatus(err)
	body := map[string]interface{}{
		"error":   errorCode(status),
		"message": err.Error(),
	}
	var nerr *NoValidFilesError
	if errors.As(err, &nerr) {
		body["rejected"] = nerr.Rejected
		if errors.Is(err, ErrArchiveRejected) {
			body["error"] = "archive_rejected"
		}
	}
	var uerr *UnreachableError
	if errors.As(err, &uerr) && len(uerr.Orphaned) > 0 {
		body["orphaned"] = uerr.Orphaned
	}
	return c.JSON(status, body)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// readUploads loads the multipart files. Oversized files are not read; the
// validator rejects them by size.
func readUploads(c echo.Context) ([]Upload, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "multipart form with field \""+uploadField+"\" is required")
	}
	headers := form.File[uploadField]
	if len(headers) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "no files in field \""+uploadField+"\"")
	}
	uploads := make([]Upload, 0, len(headers))
	for _, fh := range headers {
		u := Upload{Name: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Size: fh.Size}
		if fh.Size <= MaxAttachmentSize {
			data, err := readPart(fh)
			if err != nil {
				return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read %s: %v", fh.Filename, err))
			}
			u.Data = data
		}
		uploads = append(uploads, u)
	}
	return uploads, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, MaxAttachmentSize+1))
}

// -- Dossier CRUD --

type createDossierRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
	Note      string    `json:"note"`
}

func (h *Handler) CreateDossier(c echo.Context) error {
	var req createDossierRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.CreateDossier(c.Request().Context(), req.PatientID, req.Note)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetDossier(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	d, err := h.svc.GetDossier(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListDossiers(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListDossiers(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return respondError(c, err, nil)
	}
	if items == nil {
		items = []*Dossier{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateDossier(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var u DossierUpdate
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.UpdateDossier(c.Request().Context(), id, u)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) AppendSubrecord(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	kind, err := ParseSubrecordKind(c.Param("kind"))
	if err != nil {
		return respondError(c, err, nil)
	}
	rec := Subrecord{Kind: kind}
	switch kind {
	case KindConsultation:
		rec.Consultation = &Consultation{}
		err = c.Bind(rec.Consultation)
	case KindPrescription:
		rec.Prescription = &Prescription{}
		err = c.Bind(rec.Prescription)
	case KindLabResult:
		rec.LabResult = &LabResult{}
		err = c.Bind(rec.LabResult)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.AppendSubrecord(c.Request().Context(), id, rec)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) RemoveSubrecord(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	kind, err := ParseSubrecordKind(c.Param("kind"))
	if err != nil {
		return respondError(c, err, nil)
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid index")
	}
	d, err := h.svc.RemoveSubrecord(c.Request().Context(), id, kind, index)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(http.StatusOK, d)
}

// -- Views --

func (h *Handler) GetPatientDossier(c echo.Context) error {
	patientID, err := uuidParam(c, "patientId")
	if err != nil {
		return err
	}
	v, err := h.query.GetByPatient(c.Request().Context(), patientID)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(http.StatusOK, v)
}

// -- Attachments --

func (h *Handler) AddImaging(c echo.Context) error {
	patientID, err := uuidParam(c, "patientId")
	if err != nil {
		return err
	}
	uploads, err := readUploads(c)
	if err != nil {
		return err
	}
	res, err := h.mgr.AddImaging(c.Request().Context(), patientID, uploads)
	if err != nil {
		return respondError(c, err, res)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) RemoveImaging(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	d, err := h.mgr.RemoveImaging(c.Request().Context(), id, c.Param("instanceId"))
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(http.StatusOK, d)
}

type reattachRequest struct {
	InstanceIDs []string `json:"instance_ids"`
}

func (h *Handler) ReattachImaging(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req reattachRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.InstanceIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "instance_ids is required")
	}
	res, err := h.mgr.ReattachImaging(c.Request().Context(), id, req.InstanceIDs)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) AddDocuments(c echo.Context) error {
	patientID, err := uuidParam(c, "patientId")
	if err != nil {
		return err
	}
	uploads, err := readUploads(c)
	if err != nil {
		return err
	}
	res, err := h.mgr.AddDocuments(c.Request().Context(), patientID, uploads)
	if err != nil {
		return respondError(c, err, res)
	}
	return c.JSON(http.StatusCreated, res)
}

type reattachDocumentsRequest struct {
	Locators []string `json:"locators"`
}

func (h *Handler) ReattachDocuments(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req reattachDocumentsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Locators) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "locators is required")
	}
	d, missing, err := h.mgr.ReattachDocuments(c.Request().Context(), id, req.Locators)
	if err != nil {
		return respondError(c, err, nil)
	}
	if missing == nil {
		missing = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"dossier": d,
		"missing": missing,
	})
}

func (h *Handler) RemoveDocument(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	locator := c.QueryParam("locator")
	if locator == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "locator is required")
	}
	d, err := h.mgr.RemoveDocument(c.Request().Context(), id, locator)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(http.StatusOK, d)
}

// -- Reconciliation --

func (h *Handler) ScanOrphans(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	report, err := h.mgr.ScanOrphans(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) PurgeOrphans(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	report, err := h.mgr.PurgeOrphans(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err, report)
	}
	return c.JSON(http.StatusOK, report)
}
