package middleware

import (
	"crypto/subtle"
	"net/http"
)

// BasicAuth защищает служебные endpoints (/metrics) HTTP Basic Authentication.
//
// Пустые username/password отключают проверку: по умолчанию сервер
// слушает только 127.0.0.1.
//
// Использование:
//
//	router.Handle("/metrics", middleware.BasicAuth(user, pass)(promhttp.Handler()))
func BasicAuth(username, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if username == "" || password == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="optiondesk"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// constant-time сравнение
			userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
			passMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
			if !userMatch || !passMatch {
				w.Header().Set("WWW-Authenticate", `Basic realm="optiondesk"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
