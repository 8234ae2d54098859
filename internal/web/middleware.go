package web

import (
	"context"
	"net/http"

	"github.com/cabewaldrop/andromeda-fuse/internal/fuseops"
)

// contextKey is a custom type for context keys to avoid collisions with
// keys set by other packages.
type contextKey string

const filesystemKey contextKey = "filesystem"

// WithFilesystem returns middleware that injects the mounted Filesystem
// into the request context, for handlers to read cache/file state from.
func WithFilesystem(fsRoot *fuseops.Filesystem) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), filesystemKey, fsRoot)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetFilesystem retrieves the Filesystem from the request context, or nil
// if WithFilesystem was never applied.
func GetFilesystem(r *http.Request) *fuseops.Filesystem {
	fsRoot, ok := r.Context().Value(filesystemKey).(*fuseops.Filesystem)
	if !ok {
		return nil
	}
	return fsRoot
}

// RequireFilesystem returns middleware that rejects requests with 503 if
// no Filesystem is present in the context.
func RequireFilesystem(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetFilesystem(r) == nil {
			http.Error(w, "filesystem not mounted", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}
