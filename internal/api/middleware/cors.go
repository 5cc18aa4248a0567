package middleware

import (
	"net/http"
	"strings"
	"sync"
)

// allowedOrigins список разрешенных доменов для CORS.
// Дополняется из конфигурации (CORS_ALLOWED_ORIGINS) через SetAllowedOrigins.
var (
	allowedOrigins = map[string]bool{
		"http://localhost:3000": true,
		"http://127.0.0.1:3000": true,
		"http://localhost:5173": true, // Vite dev server
		"http://127.0.0.1:5173": true,
	}
	originsMu sync.RWMutex
)

// SetAllowedOrigins добавляет разрешённые origins
func SetAllowedOrigins(origins []string) {
	originsMu.Lock()
	defer originsMu.Unlock()
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			allowedOrigins[origin] = true
		}
	}
}

// isOriginAllowed проверяет, разрешен ли origin
func isOriginAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	originsMu.RLock()
	defer originsMu.RUnlock()
	return allowedOrigins[origin]
}

// CORS - middleware для Cross-Origin Resource Sharing.
//
// Разрешенным origins отдаётся конкретный Access-Control-Allow-Origin,
// запросам без Origin (curl) - "*". Неизвестным origins заголовок не ставится.
// Preflight (OPTIONS) отвечает 200 без вызова handler.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if isOriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
