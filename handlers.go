package main

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kwv/trajeval/traj"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(stateTracker *traj.StateTracker, store *traj.RunStore, config *traj.Config) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		traj.Logger().Debugw("[HTTP] /health", "remote", r.RemoteAddr)
		writeJSON(w, struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Streams   []string  `json:"streams"`
			Reports   int       `json:"reports"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Streams:   stateTracker.StreamIDs(),
			Reports:   len(stateTracker.Reports()),
		})
	})

	// Latest report of every stream
	mux.HandleFunc("GET /reports", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, stateTracker.Reports())
	})

	mux.HandleFunc("GET /reports/{stream}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("stream")
		if !knownStream(config, stateTracker, id) {
			http.Error(w, "Unknown stream", http.StatusNotFound)
			return
		}
		report, ok := stateTracker.Report(id)
		if !ok {
			http.Error(w, "No evaluation for stream yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, report)
	})

	// Run history
	mux.HandleFunc("GET /runs", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		runs, err := store.List(r.URL.Query().Get("stream"), limit)
		if err != nil {
			traj.Logger().Errorw("[HTTP] listing runs", "error", err)
			http.Error(w, "Failed to list runs", http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []*traj.EvaluationReport{}
		}
		writeJSON(w, runs)
	})

	// Live trajectory views: {stream}.svg, {stream}.png, {stream}.geojson
	mux.HandleFunc("GET /trajectory/{file}", func(w http.ResponseWriter, r *http.Request) {
		file := r.PathValue("file")
		ext := filepath.Ext(file)
		id := strings.TrimSuffix(file, ext)
		if !knownStream(config, stateTracker, id) {
			http.Error(w, "Unknown stream", http.StatusNotFound)
			return
		}
		t, ok := stateTracker.Trajectory(id)
		if !ok || t.Len() == 0 {
			http.Error(w, "No poses received for stream", http.StatusServiceUnavailable)
			return
		}
		planeName := r.URL.Query().Get("plane")
		if planeName == "" {
			planeName = config.Render.Plane
		}
		plane, err := traj.ParsePlane(planeName)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		layers := []traj.TrajectoryLayer{traj.LiveLayer(id, t, stateTracker.Color(id))}

		w.Header().Set("Cache-Control", "no-cache")
		switch ext {
		case ".svg":
			vr := traj.NewVectorRenderer(layers, plane)
			vr.GridSpacing = config.Render.GridSpacing
			w.Header().Set("Content-Type", "image/svg+xml")
			err = vr.RenderToSVG(w)
		case ".png":
			rr := traj.NewRasterRenderer(layers, plane)
			if config.Render.Width > 0 {
				rr.Width = config.Render.Width
			}
			w.Header().Set("Content-Type", "image/png")
			err = rr.RenderPNG(w)
		case ".geojson":
			tolerance, _ := strconv.ParseFloat(r.URL.Query().Get("simplify"), 64)
			var data []byte
			data, err = traj.MarshalTrajectoryGeoJSON(layers, plane, tolerance)
			if err == nil {
				w.Header().Set("Content-Type", "application/geo+json")
				_, err = w.Write(data)
			}
		default:
			http.NotFound(w, r)
			return
		}
		if err != nil {
			traj.Logger().Errorw("[HTTP] rendering trajectory", "stream", id, "format", ext, "error", err)
			http.Error(w, "Failed to render trajectory", http.StatusInternalServerError)
		}
	})

	// Residual plot of the latest run
	mux.HandleFunc("GET /residuals/{file}", func(w http.ResponseWriter, r *http.Request) {
		file := r.PathValue("file")
		if filepath.Ext(file) != ".png" {
			http.NotFound(w, r)
			return
		}
		id := strings.TrimSuffix(file, ".png")
		if !knownStream(config, stateTracker, id) {
			http.Error(w, "Unknown stream", http.StatusNotFound)
			return
		}
		report, ok := stateTracker.Report(id)
		if !ok || report.OutputDir == "" {
			http.Error(w, "No evaluation for stream yet", http.StatusServiceUnavailable)
			return
		}
		path := filepath.Join(report.OutputDir, traj.ArtifactResiduals)
		if _, err := os.Stat(path); err != nil {
			traj.Logger().Warnw("[HTTP] residual plot missing", "stream", id, "path", path)
			http.Error(w, "Residual plot not available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFile(w, r, path)
	})

	return mux
}

// knownStream reports whether id is configured or has live data.
func knownStream(config *traj.Config, st *traj.StateTracker, id string) bool {
	if config != nil && config.GetStreamByID(id) != nil {
		return true
	}
	if _, ok := st.Report(id); ok {
		return true
	}
	return st.PoseCount(id) > 0
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		traj.Logger().Errorw("[HTTP] encoding response", "error", err)
	}
}
