package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"time"

	"github.com/kwv/meshreg/registration"
)

// maxBodyBytes caps request bodies; clouds arrive inline as JSON.
const maxBodyBytes = 64 << 20

// registerRequest is the body of POST /evaluate and POST /register.
type registerRequest struct {
	Source                    registration.PointCloudJSON          `json:"source"`
	Target                    registration.PointCloudJSON          `json:"target"`
	Method                    string                               `json:"method,omitempty"`
	MaxCorrespondenceDistance *float64                             `json:"maxCorrespondenceDistance,omitempty"`
	Init                      *registration.Transformation         `json:"init,omitempty"`
	Criteria                  *registration.ICPConvergenceCriteria `json:"criteria,omitempty"`
	MultiScale                bool                                 `json:"multiScale,omitempty"`
	Stages                    []registration.ICPStage              `json:"stages,omitempty"`
}

// runResponse is returned by the run endpoints. Correspondences are only
// included on GET /results/{id}.
type runResponse struct {
	registration.RunSummary
	CorrespondenceSet *registration.CorrespondenceSet `json:"correspondenceSet,omitempty"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(app *App) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status        string    `json:"status"`
			Version       string    `json:"version"`
			Timestamp     time.Time `json:"timestamp"`
			Results       int       `json:"results"`
			MQTTConnected bool      `json:"mqttConnected"`
		}{
			Status:        "ok",
			Version:       Version,
			Timestamp:     time.Now(),
			Results:       app.Store.Len(),
			MQTTConnected: app.MQTTClient != nil && app.MQTTClient.IsConnected(),
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("POST /evaluate", func(w http.ResponseWriter, r *http.Request) {
		handleRun(app, w, r, false)
	})

	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		handleRun(app, w, r, true)
	})

	mux.HandleFunc("GET /results", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.Store.Summaries())
	})

	mux.HandleFunc("GET /results/{id}", func(w http.ResponseWriter, r *http.Request) {
		run, ok := lookupRun(app, w, r)
		if !ok {
			return
		}
		corres := run.Result.CorrespondenceSet
		writeJSON(w, http.StatusOK, runResponse{RunSummary: run.Summary(), CorrespondenceSet: &corres})
	})

	mux.HandleFunc("GET /results/{id}/overlay.svg", func(w http.ResponseWriter, r *http.Request) {
		run, ok := lookupRun(app, w, r)
		if !ok {
			return
		}
		renderer := registration.NewVectorRenderer()
		if !applyProjection(w, r, &renderer.Projection) {
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		if err := renderer.RenderToSVG(w, run); err != nil {
			log.Printf("Error rendering overlay for %s: %v", run.ID, err)
			http.Error(w, "Failed to render overlay", http.StatusInternalServerError)
		}
	})

	mux.HandleFunc("GET /results/{id}/preview.png", func(w http.ResponseWriter, r *http.Request) {
		run, ok := lookupRun(app, w, r)
		if !ok {
			return
		}
		renderer := registration.NewPreviewRenderer()
		if !applyProjection(w, r, &renderer.Projection) {
			return
		}
		img, err := renderer.Render(run)
		if err != nil {
			log.Printf("Error rendering preview for %s: %v", run.ID, err)
			http.Error(w, "Failed to render preview", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		if err := png.Encode(w, img); err != nil {
			log.Printf("Error encoding preview for %s: %v", run.ID, err)
		}
	})

	mux.HandleFunc("GET /results/{id}/geojson", func(w http.ResponseWriter, r *http.Request) {
		run, ok := lookupRun(app, w, r)
		if !ok {
			return
		}
		var opts registration.GeoJSONOptions
		if !applyProjection(w, r, &opts.Projection) {
			return
		}
		fc, err := registration.RunToFeatureCollection(run, opts)
		if err != nil {
			log.Printf("Error building GeoJSON for %s: %v", run.ID, err)
			http.Error(w, "Failed to build GeoJSON", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		if err := json.NewEncoder(w).Encode(fc); err != nil {
			log.Printf("Error encoding GeoJSON: %v", err)
		}
	})

	return mux
}

// handleRun decodes a registerRequest and runs it. iterative selects ICP
// (or multi-scale ICP when requested) over a one-shot evaluation. Criteria
// fields missing from the body keep the configured values.
func handleRun(app *App, w http.ResponseWriter, r *http.Request, iterative bool) {
	criteria := app.Config.Registration.Criteria
	req := registerRequest{Criteria: &criteria}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	source, err := req.Source.ToPointCloud()
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid source: %v", err), http.StatusBadRequest)
		return
	}
	target, err := req.Target.ToPointCloud()
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid target: %v", err), http.StatusBadRequest)
		return
	}

	run := runRequest{
		Mode:        registration.ModeEvaluate,
		Method:      req.Method,
		MaxDistance: req.MaxCorrespondenceDistance,
		Init:        req.Init,
	}
	if iterative {
		run.Mode = registration.ModeICP
		run.Criteria = req.Criteria
		if req.MultiScale || len(req.Stages) > 0 {
			run.Mode = registration.ModeMultiScale
			run.Stages = req.Stages
		}
	}

	record, err := app.execute(source, target, run)
	if err != nil {
		log.Printf("Run failed (%s): %v", run.Mode, err)
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, runResponse{RunSummary: record.Summary()})
}

// statusForError maps registration errors to HTTP status codes.
func statusForError(err error) int {
	var pe *registration.PreconditionError
	switch {
	case errors.As(err, &pe),
		errors.Is(err, registration.ErrInvalidArgument),
		errors.Is(err, registration.ErrMissingNormals):
		return http.StatusBadRequest
	case errors.Is(err, registration.ErrIndexNotInitialized):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func lookupRun(app *App, w http.ResponseWriter, r *http.Request) (*registration.RunRecord, bool) {
	id := r.PathValue("id")
	run, ok := app.Store.Get(id)
	if !ok {
		http.Error(w, fmt.Sprintf("Run %s not found", id), http.StatusNotFound)
		return nil, false
	}
	return run, true
}

// applyProjection reads the optional ?projection= query parameter.
func applyProjection(w http.ResponseWriter, r *http.Request, dst *registration.Projection) bool {
	raw := r.URL.Query().Get("projection")
	if raw == "" {
		return true
	}
	proj, err := registration.ParseProjection(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	*dst = proj
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
