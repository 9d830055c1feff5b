// Package handler HTTP 处理器
package handler

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-ticket/internal/idgen"
	"github.com/pu-ac-cn/uac-ticket/internal/middleware"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/pu-ac-cn/uac-ticket/internal/repository"
	"github.com/pu-ac-cn/uac-ticket/internal/service"
	"github.com/pu-ac-cn/uac-ticket/internal/validation"
	"go.uber.org/zap"
)

// CAS 协议失败码
const (
	CodeInvalidRequest           = "INVALID_REQUEST"
	CodeInvalidTicketSpec        = "INVALID_TICKET_SPEC"
	CodeUnauthorizedServiceProxy = "UNAUTHORIZED_SERVICE_PROXY"
	CodeInvalidProxyCallback     = "INVALID_PROXY_CALLBACK"
	CodeInvalidTicket            = "INVALID_TICKET"
	CodeInvalidService           = "INVALID_SERVICE"
	CodeInternalError            = "INTERNAL_ERROR"
	CodeBadPGT                   = "BAD_PGT"
)

const casNamespace = "http://www.yale.edu/tp/cas"

// CASHandlerConfig CAS 处理器配置
type CASHandlerConfig struct {
	// HTTPClient 请求代理回调地址使用的客户端
	HTTPClient *http.Client
	// IOUGenerator 生成 PGTIOU
	IOUGenerator idgen.Generator
}

// CASHandler CAS 协议处理器
type CASHandler struct {
	cas      service.CentralAuthenticationService
	services repository.ServicesManager
	client   *http.Client
	ious     idgen.Generator
	logger   *zap.Logger
}

// NewCASHandler 创建 CAS 协议处理器
// services 为 nil 时不过滤释放的属性。
func NewCASHandler(cas service.CentralAuthenticationService, services repository.ServicesManager, config *CASHandlerConfig, logger *zap.Logger) (*CASHandler, error) {
	if config == nil {
		config = &CASHandlerConfig{}
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if config.IOUGenerator == nil {
		g, err := idgen.New(idgen.Options{Length: 50, Suffix: idgen.NodeSuffix()})
		if err != nil {
			return nil, err
		}
		config.IOUGenerator = g
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CASHandler{
		cas:      cas,
		services: services,
		client:   config.HTTPClient,
		ious:     config.IOUGenerator,
		logger:   logger,
	}, nil
}

// RegisterRoutes 注册协议路由
func (h *CASHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/validate", h.Validate)
	r.GET("/serviceValidate", h.ServiceValidate)
	r.GET("/proxyValidate", h.ProxyValidate)
	r.GET("/proxy", h.Proxy)
	r.GET("/p3/serviceValidate", h.ServiceValidate)
	r.GET("/p3/proxyValidate", h.ProxyValidate)
}

// ValidateRequest 票据校验请求参数
type ValidateRequest struct {
	Ticket  string `form:"ticket" binding:"required"`
	Service string `form:"service" binding:"required"`
	Renew   string `form:"renew"`
	PgtURL  string `form:"pgtUrl"`
}

func (r *ValidateRequest) renew() bool {
	return r.Renew == "true" || r.Renew == "1"
}

// ProxyRequest 代理票据请求参数
type ProxyRequest struct {
	PGT           string `form:"pgt" binding:"required"`
	TargetService string `form:"targetService" binding:"required"`
}

// serviceResponse CAS 2.0 响应
type serviceResponse struct {
	XMLName xml.Name `xml:"cas:serviceResponse"`
	Xmlns   string   `xml:"xmlns:cas,attr"`

	Success      *authenticationSuccess `xml:"cas:authenticationSuccess,omitempty"`
	Failure      *failure               `xml:"cas:authenticationFailure,omitempty"`
	ProxySuccess *proxySuccess          `xml:"cas:proxySuccess,omitempty"`
	ProxyFailure *failure               `xml:"cas:proxyFailure,omitempty"`
}

type authenticationSuccess struct {
	User                string       `xml:"cas:user"`
	Attributes          *attributes  `xml:"cas:attributes,omitempty"`
	ProxyGrantingTicket string       `xml:"cas:proxyGrantingTicket,omitempty"`
	Proxies             *proxiesList `xml:"cas:proxies,omitempty"`
}

type attributes struct {
	Items []attribute
}

type attribute struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type proxiesList struct {
	Proxy []string `xml:"cas:proxy"`
}

type proxySuccess struct {
	ProxyTicket string `xml:"cas:proxyTicket"`
}

type failure struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

// Validate CAS 1.0 校验
// GET /validate
func (h *CASHandler) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.String(http.StatusOK, "no\n\n")
		return
	}

	spec := validation.New(validation.Cas10, req.renew())
	assertion, err := h.cas.ValidateWith(c.Request.Context(), req.Ticket, model.NewService(req.Service), spec)
	if err != nil {
		h.logFailure(c, req.Ticket, err)
		c.String(http.StatusOK, "no\n\n")
		return
	}
	c.String(http.StatusOK, "yes\n%s\n", assertion.RootAuthentication().Principal.ID)
}

// ServiceValidate CAS 2.0 服务票据校验，不接受代理票据
// GET /serviceValidate
func (h *CASHandler) ServiceValidate(c *gin.Context) {
	h.validate(c, validation.Cas20WithoutProxying)
}

// ProxyValidate CAS 2.0 服务票据与代理票据校验
// GET /proxyValidate
func (h *CASHandler) ProxyValidate(c *gin.Context) {
	h.validate(c, validation.Cas20)
}

func (h *CASHandler) validate(c *gin.Context, protocol validation.Protocol) {
	var req ValidateRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.writeXML(c, &serviceResponse{Failure: &failure{Code: CodeInvalidRequest, Message: "缺少 ticket 或 service 参数"}})
		return
	}
	ctx := c.Request.Context()
	service := model.NewService(req.Service)

	// 校验会消费票据，委派必须在校验之前完成
	var pgtID string
	if req.PgtURL != "" {
		callback, err := parseCallback(req.PgtURL)
		if err != nil {
			h.writeXML(c, &serviceResponse{Failure: &failure{Code: CodeInvalidProxyCallback, Message: err.Error()}})
			return
		}
		pgtID, err = h.cas.DelegateGrantingTicket(ctx, req.Ticket, model.NewAuthentication(callback.String(), nil, model.Now()))
		if err != nil {
			h.logFailure(c, req.Ticket, err)
			h.writeXML(c, &serviceResponse{Failure: failureFor(err, req.Ticket)})
			return
		}
	}

	spec := validation.New(protocol, req.renew())
	assertion, err := h.cas.ValidateWith(ctx, req.Ticket, service, spec)
	if err != nil {
		h.logFailure(c, req.Ticket, err)
		h.destroy(ctx, pgtID)
		h.writeXML(c, &serviceResponse{Failure: failureFor(err, req.Ticket)})
		return
	}

	success := &authenticationSuccess{
		User:       assertion.RootAuthentication().Principal.ID,
		Attributes: h.releasedAttributes(ctx, assertion),
	}
	if proxies := assertion.Proxies(); len(proxies) > 0 {
		success.Proxies = &proxiesList{Proxy: proxies}
	}
	if pgtID != "" {
		success.ProxyGrantingTicket = h.deliver(c, req.PgtURL, pgtID)
	}
	h.writeXML(c, &serviceResponse{Success: success})
}

// Proxy 由 PGT 签发代理票据
// GET /proxy
func (h *CASHandler) Proxy(c *gin.Context) {
	var req ProxyRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.writeXML(c, &serviceResponse{ProxyFailure: &failure{Code: CodeInvalidRequest, Message: "缺少 pgt 或 targetService 参数"}})
		return
	}

	ptID, err := h.cas.GrantProxyTicket(c.Request.Context(), req.PGT, model.NewService(req.TargetService))
	if err != nil {
		h.logFailure(c, req.PGT, err)
		f := failureFor(err, req.PGT)
		if f.Code == CodeInvalidTicket {
			f.Code = CodeBadPGT
		}
		h.writeXML(c, &serviceResponse{ProxyFailure: f})
		return
	}
	h.writeXML(c, &serviceResponse{ProxySuccess: &proxySuccess{ProxyTicket: ptID}})
}

// deliver 向回调地址投递 PGT，成功时返回 PGTIOU
// 投递失败时销毁 PGT，响应中不包含 PGTIOU。
func (h *CASHandler) deliver(c *gin.Context, pgtURL, pgtID string) string {
	ctx := c.Request.Context()
	iou, err := h.ious.NewTicketID("PGTIOU")
	if err != nil {
		h.destroy(ctx, pgtID)
		middleware.RequestLogger(c).Error("生成 PGTIOU 失败", zap.Error(err))
		return ""
	}

	if err := h.callback(ctx, pgtURL, pgtID, iou); err != nil {
		h.destroy(ctx, pgtID)
		middleware.RequestLogger(c).Warn("代理回调失败，PGT 已销毁",
			zap.String("callback", pgtURL),
			zap.String("ticket", model.Abbreviate(pgtID)),
			zap.Error(err),
		)
		return ""
	}
	return iou
}

func (h *CASHandler) callback(ctx context.Context, pgtURL, pgtID, iou string) error {
	u, err := url.Parse(pgtURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("pgtId", pgtID)
	q.Set("pgtIou", iou)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("回调地址返回状态码 %d", resp.StatusCode)
	}
	return nil
}

func (h *CASHandler) destroy(ctx context.Context, ticketID string) {
	if ticketID == "" {
		return
	}
	if _, err := h.cas.DestroyTicket(ctx, ticketID); err != nil {
		h.logger.Warn("销毁票据失败", zap.String("ticket", model.Abbreviate(ticketID)), zap.Error(err))
	}
}

// releasedAttributes 按服务注册信息过滤释放的属性
func (h *CASHandler) releasedAttributes(ctx context.Context, assertion *model.Assertion) *attributes {
	root := assertion.RootAuthentication()
	attrs := make(map[string][]string, len(root.Principal.Attributes)+len(root.Attributes))
	maps.Copy(attrs, root.Attributes)
	maps.Copy(attrs, root.Principal.Attributes)

	if h.services != nil {
		registered, err := h.services.FindByService(ctx, assertion.Service())
		if err != nil {
			return nil
		}
		attrs = registered.ReleaseAttributes(attrs)
	}
	if len(attrs) == 0 {
		return nil
	}

	out := &attributes{}
	for _, name := range slices.Sorted(maps.Keys(attrs)) {
		for _, v := range attrs[name] {
			out.Items = append(out.Items, attribute{XMLName: xml.Name{Local: "cas:" + name}, Value: v})
		}
	}
	return out
}

func (h *CASHandler) writeXML(c *gin.Context, resp *serviceResponse) {
	resp.Xmlns = casNamespace
	data, err := xml.MarshalIndent(resp, "", "  ")
	if err != nil {
		middleware.RequestLogger(c).Error("序列化 CAS 响应失败", zap.Error(err))
		c.String(http.StatusInternalServerError, "")
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", data)
}

func (h *CASHandler) logFailure(c *gin.Context, ticketID string, err error) {
	middleware.RequestLogger(c).Info("票据校验失败",
		zap.String("ticket", model.Abbreviate(ticketID)),
		zap.Error(err),
	)
}

// parseCallback 代理回调地址必须是 https 绝对地址
func parseCallback(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("回调地址无效: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "https") || u.Host == "" {
		return nil, errors.New("回调地址必须是 https 绝对地址")
	}
	return u, nil
}

// failureFor 错误到 CAS 失败码的映射
func failureFor(err error, ticketID string) *failure {
	code := CodeInternalError
	switch {
	case errors.Is(err, model.ErrUnauthorizedProxy):
		code = CodeUnauthorizedServiceProxy
	case errors.Is(err, model.ErrChainValidationFailed):
		code = CodeInvalidTicketSpec
	case errors.Is(err, model.ErrUnauthorizedService), errors.Is(err, model.ErrMixedPrincipal):
		code = CodeInvalidService
	case errors.Is(err, model.ErrTicketNotFound),
		errors.Is(err, model.ErrInvalidTicketFormat),
		errors.Is(err, model.ErrTicketExpired),
		errors.Is(err, model.ErrTicketAlreadyConsumed):
		code = CodeInvalidTicket
	}

	msg := fmt.Sprintf("票据 %s 无法识别", model.Abbreviate(ticketID))
	switch code {
	case CodeInternalError:
		msg = "服务器内部错误"
	case CodeInvalidTicketSpec:
		msg = "票据不满足校验规范"
	case CodeUnauthorizedServiceProxy:
		msg = "服务不允许代理"
	case CodeInvalidService:
		msg = "票据与服务不匹配"
	}
	return &failure{Code: code, Message: msg}
}
