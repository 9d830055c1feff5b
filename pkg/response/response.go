package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 标准响应结构
// 字段顺序：code -> msg -> data
type Response struct {
	Code int         `json:"code"` // 业务状态码，0 表示成功
	Msg  string      `json:"msg"`  // 响应消息（中文）
	Data interface{} `json:"data"` // 响应数据
}

// 业务错误码
const (
	CodeSuccess = 0 // 操作成功

	// 参数错误 10xxx
	CodeInvalidFormat = 10002 // 票据格式错误
	CodeMissingParam  = 10003 // 必填参数缺失

	// 票据错误 20xxx
	CodeInvalidTicket     = 20001 // 票据无效
	CodeTicketExpired     = 20002 // 票据已过期
	CodeTicketConsumed    = 20003 // 票据已被使用
	CodeInvalidService    = 20004 // 服务未授权
	CodeUnauthorizedProxy = 20005 // 服务不允许代理
	CodeMixedPrincipal    = 20006 // 认证主体不一致
	CodeInvalidTicketSpec = 20007 // 票据不满足协议规范

	// 资源不存在 40xxx
	CodeTicketNotFound = 40001 // 票据不存在

	// 冲突错误 50xxx
	CodeConflict = 50001 // 票据已被并发修改

	// 服务器错误 90xxx
	CodeServerError = 90001 // 服务器内部错误
	CodeUnavailable = 90002 // 服务暂时不可用
)

// 错误码对应的消息
var codeMessages = map[int]string{
	CodeSuccess:           "操作成功",
	CodeInvalidFormat:     "票据格式错误",
	CodeMissingParam:      "必填参数缺失",
	CodeInvalidTicket:     "票据无效",
	CodeTicketExpired:     "票据已过期",
	CodeTicketConsumed:    "票据已被使用",
	CodeInvalidService:    "服务未授权",
	CodeUnauthorizedProxy: "服务不允许代理",
	CodeMixedPrincipal:    "认证主体与会话不一致",
	CodeInvalidTicketSpec: "票据不满足协议规范",
	CodeTicketNotFound:    "票据不存在",
	CodeConflict:          "票据已被并发修改，请重试",
	CodeServerError:       "服务器内部错误，请稍后重试",
	CodeUnavailable:       "服务暂时不可用",
}

// Message 错误码对应的消息
func Message(code int) string {
	if msg, ok := codeMessages[code]; ok {
		return msg
	}
	return "未知错误"
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code: CodeSuccess,
		Msg:  codeMessages[CodeSuccess],
		Data: data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int) {
	c.JSON(codeToHTTPStatus(code), Response{
		Code: code,
		Msg:  Message(code),
		Data: nil,
	})
}

// codeToHTTPStatus 业务错误码转 HTTP 状态码
func codeToHTTPStatus(code int) int {
	switch {
	case code == CodeSuccess:
		return http.StatusOK
	case code >= 10000 && code < 20000:
		return http.StatusBadRequest
	case code >= 20000 && code < 30000:
		if code == CodeInvalidService || code == CodeUnauthorizedProxy || code == CodeMixedPrincipal {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case code >= 40000 && code < 50000:
		return http.StatusNotFound
	case code >= 50000 && code < 60000:
		return http.StatusConflict
	case code == CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
