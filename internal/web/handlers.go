package web

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleStats reports the process-wide cache manager's memory and dirty
// byte accounting.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	fsRoot := GetFilesystem(r)
	writeJSON(w, http.StatusOK, fsRoot.Manager().Stats())
}

// handleFiles lists every file currently held open by the mount.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	fsRoot := GetFilesystem(r)
	writeJSON(w, http.StatusOK, fsRoot.OpenFiles())
}
