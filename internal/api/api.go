package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-kv/internal/kv"
	"github.com/celerix-dev/celerix-kv/pkg/engine"
	"github.com/celerix-dev/celerix-kv/pkg/schema"
)

// MaxValueBytes caps the body of a PUT.
const MaxValueBytes = 1 << 20

type Handler struct {
	Service *kv.Service
	// TrustPrincipalHeader accepts X-Principal when no API key is presented.
	TrustPrincipalHeader bool
	Logger               *zap.Logger
}

// Register mounts the data and admin routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Health)

	admin := r.Group("/admin/:tenant")
	{
		admin.GET("/root", h.GetRoot)
		admin.POST("/rotate-root", h.RotateRoot)
		admin.POST("/keys", h.CreateKey)
		admin.DELETE("/keys/:id", h.RevokeKey)
	}

	r.GET("/:tenant/:namespace/*key", h.Get)
	r.PUT("/:tenant/:namespace/*key", h.Put)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Get(c *gin.Context) {
	tenant, ns, key, ok := h.address(c)
	if !ok {
		return
	}
	principal, err := h.principal(c, tenant)
	if err != nil {
		h.fail(c, err)
		return
	}
	val, err := h.Service.Get(ns, key, principal)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(val))
}

func (h *Handler) Put(c *gin.Context) {
	tenant, ns, key, ok := h.address(c)
	if !ok {
		return
	}
	principal, err := h.principal(c, tenant)
	if err != nil {
		h.fail(c, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxValueBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, schema.ErrorResponse{
				Error: fmt.Sprintf("value exceeds %d bytes", tooLarge.Limit),
				Kind:  engine.KindBadRequest,
			})
			return
		}
		h.fail(c, fmt.Errorf("%w: read body: %v", engine.ErrBadRequest, err))
		return
	}
	if err := h.Service.Put(ns, key, string(body), principal); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetRoot(c *gin.Context) {
	tenant := c.Param("tenant")
	if _, err := h.principal(c, tenant); err != nil {
		h.fail(c, err)
		return
	}
	root, err := h.Service.CurrentRoot(tenant)
	if err != nil {
		h.fail(c, err)
		return
	}
	if root == "" {
		h.fail(c, fmt.Errorf("%w: tenant %q has no root", engine.ErrNotFound, tenant))
		return
	}
	c.JSON(http.StatusOK, schema.RootStatus{Tenant: tenant, Root: root})
}

func (h *Handler) RotateRoot(c *gin.Context) {
	tenant := c.Param("tenant")
	caller, err := h.principal(c, tenant)
	if err != nil {
		h.fail(c, err)
		return
	}
	var input schema.RotateRootRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		h.fail(c, fmt.Errorf("%w: %v", engine.ErrBadRequest, err))
		return
	}
	if err := h.Service.RotateRoot(tenant, input.NewRoot, caller); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) CreateKey(c *gin.Context) {
	tenant := c.Param("tenant")
	caller, err := h.principal(c, tenant)
	if err != nil {
		h.fail(c, err)
		return
	}
	var input schema.CreateKeyRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		h.fail(c, fmt.Errorf("%w: %v", engine.ErrBadRequest, err))
		return
	}
	issued, err := h.Service.CreateKey(tenant, input.Owner, caller)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, schema.CreateKeyResponse{Token: issued.Token, TokenID: issued.TokenID})
}

func (h *Handler) RevokeKey(c *gin.Context) {
	tenant := c.Param("tenant")
	caller, err := h.principal(c, tenant)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Service.RevokeKey(tenant, c.Param("id"), caller); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// address extracts "<tenant>:<namespace>" and the key from the route.
func (h *Handler) address(c *gin.Context) (tenant, ns, key string, ok bool) {
	tenant = c.Param("tenant")
	key = strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		h.fail(c, fmt.Errorf("%w: missing key", engine.ErrBadRequest))
		return "", "", "", false
	}
	return tenant, tenant + ":" + c.Param("namespace"), key, true
}

// principal resolves the caller: an API key wins; a bare principal header is
// only trusted when the handler is configured to do so.
func (h *Handler) principal(c *gin.Context, tenant string) (string, error) {
	if token := c.GetHeader(schema.HeaderAPIKey); token != "" {
		return h.Service.ResolvePrincipal(tenant, token)
	}
	if h.TrustPrincipalHeader {
		if p := c.GetHeader(schema.HeaderPrincipal); p != "" {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: missing credential", engine.ErrUnauthenticated)
}

func (h *Handler) fail(c *gin.Context, err error) {
	kind := engine.KindOf(err)
	status := StatusFor(kind)
	msg := engine.Message(err)
	if status == http.StatusInternalServerError {
		h.logger().Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("kind", kind),
			zap.Error(err))
		if kind == engine.KindInternal {
			msg = "internal error"
		}
	}
	c.AbortWithStatusJSON(status, schema.ErrorResponse{Error: msg, Kind: kind})
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// StatusFor maps an engine error kind to an HTTP status.
func StatusFor(kind string) int {
	switch kind {
	case engine.KindBadRequest:
		return http.StatusBadRequest
	case engine.KindUnauthenticated:
		return http.StatusUnauthorized
	case engine.KindForbidden:
		return http.StatusForbidden
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
