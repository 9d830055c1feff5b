package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestSuccess 测试成功响应
func TestSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Success(c, gin.H{"ticket": "ST-1"})

	if w.Code != http.StatusOK {
		t.Errorf("期望状态码 200, 实际 %d", w.Code)
	}
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp.Code != CodeSuccess || resp.Msg != "操作成功" {
		t.Errorf("响应不符: %+v", resp)
	}
}

// TestError 测试错误码与 HTTP 状态码映射
func TestError(t *testing.T) {
	tests := []struct {
		code   int
		status int
	}{
		{CodeInvalidFormat, http.StatusBadRequest},
		{CodeMissingParam, http.StatusBadRequest},
		{CodeInvalidTicket, http.StatusBadRequest},
		{CodeTicketExpired, http.StatusBadRequest},
		{CodeTicketConsumed, http.StatusBadRequest},
		{CodeInvalidTicketSpec, http.StatusBadRequest},
		{CodeInvalidService, http.StatusForbidden},
		{CodeUnauthorizedProxy, http.StatusForbidden},
		{CodeMixedPrincipal, http.StatusForbidden},
		{CodeTicketNotFound, http.StatusNotFound},
		{CodeConflict, http.StatusConflict},
		{CodeUnavailable, http.StatusServiceUnavailable},
		{CodeServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)

		Error(c, tt.code)

		if w.Code != tt.status {
			t.Errorf("错误码 %d 期望状态码 %d, 实际 %d", tt.code, tt.status, w.Code)
		}
		var resp Response
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("解析响应失败: %v", err)
		}
		if resp.Code != tt.code || resp.Msg != Message(tt.code) || resp.Data != nil {
			t.Errorf("错误码 %d 响应不符: %+v", tt.code, resp)
		}
	}
}

// TestMessageUnknown 测试未知错误码
func TestMessageUnknown(t *testing.T) {
	if msg := Message(12345); msg != "未知错误" {
		t.Errorf("期望 未知错误, 实际 %s", msg)
	}
}
