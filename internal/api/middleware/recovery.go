package middleware

import (
	"net/http"
	"runtime/debug"

	"optiondesk/pkg/utils"
)

// Recovery - middleware для восстановления после паники в handlers.
//
// Логирует значение паники и stack trace, клиенту отдаёт 500.
// Сервер продолжает обслуживать следующие запросы.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				utils.L().WithComponent("http").Error("panic in handler",
					utils.Any("panic", err),
					utils.String("path", r.URL.Path),
					utils.String("stack", string(debug.Stack())))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"Internal server error","code":"internal_error"}`))
			}
		}()

		next.ServeHTTP(w, r)
	})
}
