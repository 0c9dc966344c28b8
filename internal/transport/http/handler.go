package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/user-service/internal/model"
	"github.com/richardliu001/user-service/internal/outbox"
	"github.com/richardliu001/user-service/internal/service"
	"go.uber.org/zap"
)

// ActorHeader is set by the authentication layer in front of this service.
const ActorHeader = "X-User-Id"

// OutboxAdmin is the operator view of the outbox. *outbox.Store implements it.
type OutboxAdmin interface {
	Stats(ctx context.Context) (outbox.Stats, error)
	Requeue(ctx context.Context, id uint64) error
}

func RegisterHandlers(r *gin.Engine, svc *service.UserService, ob OutboxAdmin, log *zap.SugaredLogger) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	h := &handlers{svc: svc, ob: ob, log: log}
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/v1")
	{
		v1.POST("/users", h.requireActor, h.registerUser)
		v1.GET("/users/:id", h.getUser)
		v1.PUT("/users/:id/role", h.requireActor, h.changeRole)
		v1.PATCH("/users/:id/status", h.requireActor, h.setStatus)
		v1.POST("/users/:id/password-reset", h.requireActor, h.passwordReset)
		v1.PUT("/instructors/:id", h.requireActor, h.updateInstructor)
		v1.POST("/departments", h.requireActor, h.createDepartment)
		v1.PUT("/departments/:code", h.requireActor, h.updateDepartment)
		v1.GET("/outbox/stats", h.outboxStats)
		v1.POST("/outbox/:id/requeue", h.requireActor, h.requeue)
	}
}

type handlers struct {
	svc *service.UserService
	ob  OutboxAdmin
	log *zap.SugaredLogger
}

const actorKey = "actor_id"

func (h *handlers) requireActor(c *gin.Context) {
	id, err := strconv.ParseUint(c.GetHeader(ActorHeader), 10, 64)
	if err != nil || id == 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid " + ActorHeader})
		return
	}
	c.Set(actorKey, id)
	c.Next()
}

func actor(c *gin.Context) uint64 { return c.GetUint64(actorKey) }

func pathID(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

type registerReq struct {
	Name           string  `json:"name" binding:"required"`
	Email          string  `json:"email" binding:"required"`
	Password       string  `json:"password"`
	DepartmentCode *string `json:"departmentCode"`
	Role           string  `json:"role"`
}

func (h *handlers) registerUser(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in := service.RegisterInput{
		Name:           req.Name,
		Email:          req.Email,
		Password:       req.Password,
		DepartmentCode: req.DepartmentCode,
		ActorID:        actor(c),
	}
	if req.Role != "" {
		role, ok := model.ParseRole(req.Role)
		if !ok {
			h.writeError(c, service.ErrInvalidRole)
			return
		}
		in.Role = role
	}
	u, err := h.svc.RegisterUser(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (h *handlers) getUser(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	u, err := h.svc.GetUser(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

type roleReq struct {
	Role string `json:"role" binding:"required"`
}

func (h *handlers) changeRole(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req roleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role, valid := model.ParseRole(req.Role)
	if !valid {
		h.writeError(c, service.ErrInvalidRole)
		return
	}
	u, err := h.svc.ApplyRoleTransition(c.Request.Context(), id, role, actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

type statusReq struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *handlers) setStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	u, err := h.svc.SetUserActive(c.Request.Context(), id, *req.Active, actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *handlers) passwordReset(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := h.svc.RequestPasswordReset(c.Request.Context(), id, actor(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
}

type instructorReq struct {
	Bio         *string  `json:"bio"`
	Specialties []string `json:"specialties"`
}

func (h *handlers) updateInstructor(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req instructorReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in, err := h.svc.UpdateInstructorProfile(c.Request.Context(), id, req.Bio, req.Specialties, actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

type departmentReq struct {
	Code        string  `json:"code" binding:"required"`
	Name        string  `json:"name" binding:"required"`
	Description *string `json:"description"`
	ManagerID   *uint64 `json:"managerId"`
}

func (h *handlers) createDepartment(c *gin.Context) {
	var req departmentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.svc.CreateDepartment(c.Request.Context(), service.DepartmentInput{
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		ManagerID:   req.ManagerID,
	}, actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

type departmentUpdateReq struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	ManagerID   *uint64 `json:"managerId"`
	Active      *bool   `json:"active"`
}

func (h *handlers) updateDepartment(c *gin.Context) {
	var req departmentUpdateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.svc.UpdateDepartment(c.Request.Context(), c.Param("code"), service.DepartmentUpdate{
		Name:        req.Name,
		Description: req.Description,
		ManagerID:   req.ManagerID,
		Active:      req.Active,
	}, actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *handlers) outboxStats(c *gin.Context) {
	st, err := h.ob.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) requeue(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.ob.Requeue(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	h.log.Infow("outbox event requeued", "id", id, "actor_id", actor(c))
	c.JSON(http.StatusOK, gin.H{"requeued": id})
}

func (h *handlers) writeError(c *gin.Context, err error) {
	var txErr *service.TxError
	switch {
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrDepartmentNotFound),
		errors.Is(err, outbox.ErrEventNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidRole),
		errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrEmailTaken),
		errors.Is(err, service.ErrDepartmentExists),
		errors.Is(err, service.ErrNotInstructor),
		errors.Is(err, outbox.ErrNotDeadLettered):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &txErr):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no changes were applied", "op": txErr.Op})
	default:
		h.log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
