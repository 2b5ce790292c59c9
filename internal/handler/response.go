package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxRequestBody = 64 << 10

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをデコードする。空のボディはエラーにしない。
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}

// requestOrigin はフロントエンドのオリジンを決める。
// ボディで明示された値、Originヘッダー、Refererの順に使う。
func requestOrigin(r *http.Request, explicit string) string {
	if o := strings.TrimSpace(explicit); o != "" {
		return o
	}
	if o := r.Header.Get("Origin"); o != "" {
		return o
	}
	if ref, err := url.Parse(r.Referer()); err == nil && ref.Host != "" {
		return ref.Scheme + "://" + ref.Host
	}
	return ""
}
