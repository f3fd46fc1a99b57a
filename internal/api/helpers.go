package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/orbitmesh/orbitmesh/internal/store"
)

// chiURLParamID extracts the {id} path parameter as-is, for routes where
// the identifier is a workflow ID (an arbitrary string) rather than a UUID.
func chiURLParamID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

const timeFormat = "2006-01-02T15:04:05.999999999Z07:00"

// paginationOpts reads pageSize/page query parameters per spec §6's
// jobs.list signature, translating them into the store's limit/offset
// pagination. Defaults: pageSize=20, page=1. pageSize is capped at 100.
func paginationOpts(r *http.Request) store.ListOptions {
	pageSize := 20
	page := 1

	if v := r.URL.Query().Get("pageSize"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	if pageSize > 100 {
		pageSize = 100
	}
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}

	return store.ListOptions{Limit: pageSize, Offset: (page - 1) * pageSize}
}
