package access

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/suptocoder/VitaCare/internal/platform/auth"
	"github.com/suptocoder/VitaCare/pkg/pagination"
)

// maxGrantHours caps a time-boxed approval at 90 days.
const maxGrantHours = 90 * 24

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	doctor := api.Group("/doctor", auth.RequireRole(auth.RoleDoctor))
	doctor.POST("/access/request", h.RequestAccess)
	doctor.POST("/file-access/request", h.RequestFileAccess)
	doctor.GET("/patients", h.ListPatients)
	doctor.GET("/patient/:patientUuid/records", h.PatientRecords)

	patient := api.Group("/patient", auth.RequireRole(auth.RolePatient))
	patient.POST("/access/manage", h.ManageAccess)
	patient.POST("/file-access/manage", h.ManageFileAccess)
	patient.GET("/access/requests", h.ListPendingRequests)
	patient.GET("/access/active", h.ListActiveAccess)
}

type accessRequestBody struct {
	PatientUUID string `json:"patientUuid"`
}

type fileAccessRequestBody struct {
	RecordID string `json:"recordId"`
}

type manageBody struct {
	RequestID      string `json:"requestId"`
	Action         Action `json:"action"`
	ExpiresInHours int    `json:"expiresInHours,omitempty"`
}

func (b manageBody) decision() (Decision, error) {
	id, err := uuid.Parse(b.RequestID)
	if err != nil {
		return Decision{}, echo.NewHTTPError(http.StatusBadRequest, "invalid requestId")
	}
	if b.ExpiresInHours < 0 || b.ExpiresInHours > maxGrantHours {
		return Decision{}, echo.NewHTTPError(http.StatusBadRequest, "expiresInHours out of range")
	}
	return Decision{
		RequestID: id,
		Action:    b.Action,
		ExpiresIn: time.Duration(b.ExpiresInHours) * time.Hour,
	}, nil
}

func (h *Handler) RequestAccess(c echo.Context) error {
	var body accessRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.PatientUUID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patientUuid is required")
	}

	res, err := h.svc.RequestAccess(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), body.PatientUUID)
	if err != nil {
		return httpError(err)
	}
	if res.AlreadyApproved {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success":   true,
			"status":    res.Status,
			"patientId": res.PatientID,
			"requestId": res.RequestID,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "Access request sent to patient.",
		"status":    res.Status,
		"requestId": res.RequestID,
	})
}

func (h *Handler) RequestFileAccess(c echo.Context) error {
	var body fileAccessRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	recordID, err := uuid.Parse(body.RecordID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid recordId")
	}

	res, err := h.svc.RequestFileAccess(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), recordID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "File access request sent",
		"status":    res.Status,
		"requestId": res.RequestID,
	})
}

func (h *Handler) ManageAccess(c echo.Context) error {
	var body manageBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := body.decision()
	if err != nil {
		return err
	}

	req, err := h.svc.ManageAccess(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), d)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "request": req})
}

func (h *Handler) ManageFileAccess(c echo.Context) error {
	var body manageBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := body.decision()
	if err != nil {
		return err
	}

	req, err := h.svc.ManageFileAccess(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), d)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "request": req})
}

func (h *Handler) ListPendingRequests(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPendingRequests(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return pagination.JSON(c, pg, nonNil(items), total)
}

func (h *Handler) ListActiveAccess(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListActiveAccess(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return pagination.JSON(c, pg, nonNil(items), total)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatients(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return pagination.JSON(c, pg, nonNil(items), total)
}

func (h *Handler) PatientRecords(c echo.Context) error {
	res, err := h.svc.PatientRecords(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), c.Param("patientUuid"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func nonNil(items []*PermissionRequest) []*PermissionRequest {
	if items == nil {
		return []*PermissionRequest{}
	}
	return items
}

// httpError maps service errors to HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidAction):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid action")
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}
