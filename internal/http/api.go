package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"taskhub/internal/domain"
	"taskhub/internal/ratelimit"
	"taskhub/internal/service"
)

const (
	registerPath = "/api/v1/auth/register"
	loginPath    = "/api/v1/auth/login"
)

// Handler wires HTTP routes to domain services.
type Handler struct {
	users    service.UserService
	tasks    service.TaskService
	tokens   TokenVerifier
	limiter  ratelimit.Store
	policies Policies
	logger   *logrus.Logger
}

// Config bundles the collaborators of a Handler.
type Config struct {
	Users    service.UserService
	Tasks    service.TaskService
	Tokens   TokenVerifier
	Limiter  ratelimit.Store
	Policies Policies
	Logger   *logrus.Logger
}

func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NewMemoryStore()
	}
	if cfg.Policies == (Policies{}) {
		cfg.Policies = DefaultPolicies()
	}
	registerValidatorTags()

	return &Handler{
		users:    cfg.Users,
		tasks:    cfg.Tasks,
		tokens:   cfg.Tokens,
		limiter:  cfg.Limiter,
		policies: cfg.Policies,
		logger:   cfg.Logger,
	}
}

// RegisterRoutes installs the middleware chain and the API. The identity
// filter runs before the rate gate so authenticated callers are keyed by
// username.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(
		corsMiddleware(),
		accessLog(h.logger),
		identityFilter(h.tokens, h.users, h.logger),
		rateGate(h.limiter, h.policies, h.logger),
	)

	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST(registerPath, h.register)
	router.POST(loginPath, h.login)

	tasks := router.Group("/api/v1/tasks", requireIdentity())
	{
		tasks.POST("", h.createTask)
		tasks.GET("", h.listTasks)
		tasks.PUT("/:id", h.updateTask)
		tasks.DELETE("/:id", h.deleteTask)
	}
}

type registerRequest struct {
	Username string `json:"username" binding:"required,min=3,max=50"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6,max=72"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type taskRequest struct {
	Title       string `json:"title" binding:"required,max=200"`
	Description string `json:"description"`
	Status      string `json:"status" binding:"omitempty,oneof=todo in-progress done"`
}

func (r taskRequest) input() service.TaskInput {
	return service.TaskInput{
		Title:       r.Title,
		Description: r.Description,
		Status:      domain.TaskStatus(r.Status),
	}
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, err)
		return
	}

	user, err := h.users.Register(c.Request.Context(), service.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		var fieldErr *service.FieldError
		switch {
		case errors.As(err, &fieldErr):
			c.JSON(http.StatusBadRequest, envelope{
				Success: false,
				Message: "Validation failed",
				Errors:  map[string]string{fieldErr.Field: fieldErr.Message},
			})
		case errors.Is(err, service.ErrDuplicateUsername):
			c.JSON(http.StatusBadRequest, failure("Username already exists"))
		case errors.Is(err, service.ErrDuplicateEmail):
			c.JSON(http.StatusBadRequest, failure("Email already exists"))
		case errors.Is(err, service.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, failure(err.Error()))
		default:
			h.respondInternal(c, err)
		}
		return
	}

	c.JSON(http.StatusCreated, registerResponse{
		Success: true,
		Message: "User registered successfully",
		User:    userToResponse(user),
	})
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, err)
		return
	}

	res, err := h.users.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, failure("Invalid username or password"))
			return
		}
		h.respondInternal(c, err)
		return
	}

	c.JSON(http.StatusOK, loginResponse{
		Success: true,
		Message: "Login successful",
		Token:     res.Token,
		ExpiresIn: int64(res.ExpiresIn / time.Second),
		User:      userToResponse(res.User),
	})
}

func (h *Handler) createTask(c *gin.Context) {
	owner, _ := identityFrom(c)

	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, err)
		return
	}

	task, err := h.tasks.CreateTask(c.Request.Context(), owner, req.input())
	if err != nil {
		h.respondTaskError(c, err)
		return
	}

	c.JSON(http.StatusCreated, taskToResponse(*task))
}

func (h *Handler) listTasks(c *gin.Context) {
	owner, _ := identityFrom(c)

	tasks, err := h.tasks.ListTasks(c.Request.Context(), owner)
	if err != nil {
		h.respondInternal(c, err)
		return
	}

	resp := make([]TaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = taskToResponse(tasks[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) updateTask(c *gin.Context) {
	owner, _ := identityFrom(c)
	id, ok := parseTaskID(c)
	if !ok {
		return
	}

	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, err)
		return
	}

	task, err := h.tasks.UpdateTask(c.Request.Context(), owner, id, req.input())
	if err != nil {
		h.respondTaskError(c, err)
		return
	}

	c.JSON(http.StatusOK, taskToResponse(*task))
}

func (h *Handler) deleteTask(c *gin.Context) {
	owner, _ := identityFrom(c)
	id, ok := parseTaskID(c)
	if !ok {
		return
	}

	if err := h.tasks.DeleteTask(c.Request.Context(), owner, id); err != nil {
		h.respondTaskError(c, err)
		return
	}

	c.JSON(http.StatusOK, envelope{Success: true, Message: "Task deleted successfully!"})
}

func parseTaskID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, failure("invalid task id"))
		return 0, false
	}
	return id, true
}

func (h *Handler) respondTaskError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, failure("Task not found or access denied"))
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, failure(err.Error()))
	default:
		h.respondInternal(c, err)
	}
}

func (h *Handler) respondInternal(c *gin.Context, err error) {
	h.logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	c.JSON(http.StatusInternalServerError, failure("Internal server error"))
}
