package utils

import (
	"encoding/json"
	"log"
	"net/http"
)

// ErrorBody 是所有 JSON 错误响应的结构。
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[http] failed to encode response: %v", err)
	}
}

// RespondError 发送带错误码的错误响应
func RespondError(w http.ResponseWriter, status int, code, message string) {
	RespondJSON(w, status, ErrorBody{Error: message, Code: code})
}

// DecodeJSON 解析请求体，拒绝未知字段。
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
