package handlers

import "net/http"

// TenantMiddleware acquires the tenant-scoped database connection for a request.
type TenantMiddleware func(http.HandlerFunc) http.HandlerFunc

// PassthroughTenantMiddleware is used where no tenant scope is needed.
func PassthroughTenantMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return next
}
