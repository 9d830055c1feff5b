package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-ticket/internal/middleware"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/pu-ac-cn/uac-ticket/internal/service"
	"github.com/pu-ac-cn/uac-ticket/pkg/response"
	"go.uber.org/zap"
)

// TicketHandler 票据 REST 接口
type TicketHandler struct {
	cas service.CentralAuthenticationService
}

// NewTicketHandler 创建票据 REST 处理器
func NewTicketHandler(cas service.CentralAuthenticationService) *TicketHandler {
	return &TicketHandler{cas: cas}
}

// RegisterRoutes 注册 REST 路由
func (h *TicketHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/tickets/:id", h.GrantServiceTicket)
	r.DELETE("/tickets/:id", h.DestroyTicket)
	r.GET("/statistics", h.Statistics)
}

// GrantRequest 签发服务票据请求参数
type GrantRequest struct {
	Service string `form:"service" json:"service" binding:"required"`
}

// GrantServiceTicket 由 TGT 或 PGT 签发票据
// 接口不接收凭据，签发的票据不会标记为新登录。
// POST /v1/tickets/:id
func (h *TicketHandler) GrantServiceTicket(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, response.CodeMissingParam)
		return
	}

	id, err := h.cas.GrantServiceTicket(c.Request.Context(), c.Param("id"), model.NewService(req.Service), nil)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"ticket": id})
}

// DestroyTicket 销毁票据及其下级票据
// DELETE /v1/tickets/:id
func (h *TicketHandler) DestroyTicket(c *gin.Context) {
	deleted, err := h.cas.DestroyTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"deleted": deleted})
}

// Statistics 票据统计
// GET /v1/statistics
func (h *TicketHandler) Statistics(c *gin.Context) {
	stats, err := h.cas.Statistics(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, stats)
}

func (h *TicketHandler) fail(c *gin.Context, err error) {
	code := errorCode(err)
	if code == response.CodeServerError || code == response.CodeUnavailable {
		middleware.RequestLogger(c).Error("票据请求失败", zap.Error(err))
	}
	response.Error(c, code)
}

// errorCode 错误到业务错误码的映射
func errorCode(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidTicketFormat):
		return response.CodeInvalidFormat
	case errors.Is(err, model.ErrUnauthorizedProxy):
		return response.CodeUnauthorizedProxy
	case errors.Is(err, model.ErrUnauthorizedService):
		return response.CodeInvalidService
	case errors.Is(err, model.ErrMixedPrincipal):
		return response.CodeMixedPrincipal
	case errors.Is(err, model.ErrChainValidationFailed):
		return response.CodeInvalidTicketSpec
	case errors.Is(err, model.ErrTicketAlreadyConsumed):
		return response.CodeTicketConsumed
	case errors.Is(err, model.ErrTicketExpired):
		return response.CodeTicketExpired
	case errors.Is(err, model.ErrIntegrityViolation):
		return response.CodeInvalidTicket
	case errors.Is(err, model.ErrTicketNotFound):
		return response.CodeTicketNotFound
	case errors.Is(err, model.ErrConcurrentModification):
		return response.CodeConflict
	case errors.Is(err, model.ErrRegistryUnavailable):
		return response.CodeUnavailable
	default:
		return response.CodeServerError
	}
}
