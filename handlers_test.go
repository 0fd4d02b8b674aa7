package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/meshreg/registration"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// serviceApp returns an App with default config and a quiet logger.
func serviceApp() *App {
	app := NewApp()
	app.Logger = log.New(io.Discard, "", 0)
	return app
}

func cloudJSON(points []r3.Vector, dtype string) registration.PointCloudJSON {
	j := registration.PointCloudJSON{Dtype: dtype}
	for _, p := range points {
		j.Points = append(j.Points, [3]float64{p.X, p.Y, p.Z})
	}
	return j
}

// gridPositions lays out nx*ny*nz points with the given spacing.
func gridPositions(nx, ny, nz int, spacing float64) []r3.Vector {
	points := make([]r3.Vector, 0, nx*ny*nz)
	for i := 0; i < nx; i++ {
		for j := 0; j < ny; j++ {
			for k := 0; k < nz; k++ {
				points = append(points, r3.Vector{X: float64(i) * spacing, Y: float64(j) * spacing, Z: float64(k) * spacing})
			}
		}
	}
	return points
}

// shiftedRequest builds a request whose target is a 150 point grid moved by
// testShift, well below the grid spacing.
func shiftedRequest() registerRequest {
	points := gridPositions(5, 5, 6, 0.1)
	return registerRequest{
		Source:                    cloudJSON(points, "float64"),
		Target:                    cloudJSON(shifted(points, testShift), "float64"),
		MaxCorrespondenceDistance: float64Ptr(0.05),
	}
}

func float64Ptr(v float64) *float64 { return &v }

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func get(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeRun(t *testing.T, w *httptest.ResponseRecorder) runResponse {
	t.Helper()
	var resp runResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode run response: %v", err)
	}
	return resp
}

// storedRun registers one run through the API and returns its ID.
func storedRun(t *testing.T, handler http.Handler) string {
	t.Helper()
	w := postJSON(t, handler, "/register", shiftedRequest())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decodeRun(t, w).ID
}

// ---------------------------------------------------------------------------
// /health
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	app := serviceApp()
	handler := newHTTPServer(app)

	w := get(handler, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Status        string `json:"status"`
		Version       string `json:"version"`
		Results       int    `json:"results"`
		MQTTConnected bool   `json:"mqttConnected"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	assert.Equal(t, Version, body.Version)
	assert.Zero(t, body.Results)
	assert.False(t, body.MQTTConnected)

	storedRun(t, handler)
	w = get(handler, "/health")
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 1, body.Results)
}

func TestHealth_WrongMethod(t *testing.T) {
	handler := newHTTPServer(serviceApp())
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// ---------------------------------------------------------------------------
// POST /evaluate
// ---------------------------------------------------------------------------

func TestEvaluate(t *testing.T) {
	app := serviceApp()
	handler := newHTTPServer(app)

	req := shiftedRequest()
	w := postJSON(t, handler, "/evaluate", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeRun(t, w)
	assert.Equal(t, registration.ModeEvaluate, resp.Mode)
	assert.Equal(t, 1.0, resp.Fitness)
	assert.InDelta(t, testShift.Norm(), resp.InlierRMSE, 1e-9)
	assert.Equal(t, 150, resp.Correspondences)
	assert.Zero(t, resp.Iterations)
	assert.Nil(t, resp.CorrespondenceSet, "run endpoints omit correspondences")

	init := registration.NewRigidTransformation(registration.RotationXYZ(0, 0, 0), testShift, registration.Float64)
	req.Init = &init
	w = postJSON(t, handler, "/evaluate", req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 0, decodeRun(t, w).InlierRMSE, 1e-9)
	assert.Equal(t, 2, app.Store.Len())
}

func TestEvaluate_BadRequests(t *testing.T) {
	handler := newHTTPServer(serviceApp())
	mismatch := shiftedRequest()
	mismatch.Target.Dtype = "float32"

	badShape := shiftedRequest()
	badShape.Source.Normals = [][3]float64{{0, 0, 1}}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid JSON", `{"source": [`, http.StatusBadRequest},
		{"bad dtype", `{"source":{"dtype":"float16","points":[[0,0,0]]},"target":{"points":[[0,0,0]]}}`, http.StatusBadRequest},
		{"dtype mismatch", mustJSON(t, mismatch), http.StatusBadRequest},
		{"normals length", mustJSON(t, badShape), http.StatusBadRequest},
		{"empty target", `{"source":{"points":[[0,0,0]]},"target":{"points":[]},"maxCorrespondenceDistance":0.1}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/evaluate", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("%s: status = %d, want %d (%s)", tt.name, w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestEvaluate_NonPositiveDistance(t *testing.T) {
	app := serviceApp()
	handler := newHTTPServer(app)

	for _, d := range []float64{0, -1} {
		req := shiftedRequest()
		req.MaxCorrespondenceDistance = float64Ptr(d)
		w := postJSON(t, handler, "/evaluate", req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		resp := decodeRun(t, w)
		assert.Zero(t, resp.Fitness, "distance %v", d)
		assert.Zero(t, resp.InlierRMSE, "distance %v", d)
		assert.Zero(t, resp.Correspondences, "distance %v", d)
	}

	// Omitting the distance uses the configured one.
	req := shiftedRequest()
	req.MaxCorrespondenceDistance = nil
	w := postJSON(t, handler, "/evaluate", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1.0, decodeRun(t, w).Fitness)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

// ---------------------------------------------------------------------------
// POST /register
// ---------------------------------------------------------------------------

func TestRegister_ICP(t *testing.T) {
	handler := newHTTPServer(serviceApp())

	w := postJSON(t, handler, "/register", shiftedRequest())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeRun(t, w)
	assert.Equal(t, registration.ModeICP, resp.Mode)
	assert.Equal(t, registration.MethodPointToPoint, resp.Method)
	assert.Equal(t, 1.0, resp.Fitness)
	assert.Greater(t, resp.Iterations, 0)
	got := resp.Transformation.Translation()
	assert.InDelta(t, testShift.X, got.X, 1e-5)
	assert.InDelta(t, testShift.Y, got.Y, 1e-5)
	assert.InDelta(t, testShift.Z, got.Z, 1e-5)
}

func TestRegister_CriteriaAndMethod(t *testing.T) {
	handler := newHTTPServer(serviceApp())

	req := shiftedRequest()
	req.Method = "point_to_plane"
	req.Criteria = &registration.ICPConvergenceCriteria{MaxIterations: 2}
	w := postJSON(t, handler, "/register", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeRun(t, w)
	assert.Equal(t, registration.MethodPointToPlane, resp.Method)
	assert.LessOrEqual(t, resp.Iterations, 2)

	req.Method = "generalized"
	w = postJSON(t, handler, "/register", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegister_ZeroIterations(t *testing.T) {
	handler := newHTTPServer(serviceApp())

	req := shiftedRequest()
	body := strings.Replace(mustJSON(t, req), `"source"`, `"criteria":{"maxIterations":0},"source"`, 1)
	r := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeRun(t, w)
	assert.Equal(t, 0, resp.Iterations)
	assert.False(t, resp.Converged)
	assert.Zero(t, resp.Transformation.MaxAbsDiff(registration.Identity(registration.Float64)))
}

func TestRegister_MultiScale(t *testing.T) {
	handler := newHTTPServer(serviceApp())

	req := shiftedRequest()
	req.MultiScale = true
	w := postJSON(t, handler, "/register", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, registration.ModeMultiScale, decodeRun(t, w).Mode)

	req.MultiScale = false
	req.Stages = []registration.ICPStage{
		{MaxCorrespondenceDistance: 0.05, Criteria: registration.ICPConvergenceCriteria{MaxIterations: 10}},
	}
	w = postJSON(t, handler, "/register", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeRun(t, w)
	assert.Equal(t, registration.ModeMultiScale, resp.Mode)
	assert.LessOrEqual(t, resp.Iterations, 10)
}

func TestRegister_PublishesOverMQTT(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	app := serviceApp()
	client := registration.NewMockClient()
	client.SetConnected(true)
	app.Publisher = registration.NewPublisher(client, "svc")
	handler := newHTTPServer(app)

	id := storedRun(t, handler)

	msgs := client.MessagesWithPrefix("svc/results/")
	require.Len(t, msgs, 1)
	assert.Equal(t, "svc/results/"+id, msgs[0].Topic)
	assert.Len(t, client.MessagesWithPrefix("svc/latest"), 1)
}

// ---------------------------------------------------------------------------
// /results
// ---------------------------------------------------------------------------

func TestResults_ListAndGet(t *testing.T) {
	handler := newHTTPServer(serviceApp())

	w := get(handler, "/results")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	first := storedRun(t, handler)
	second := storedRun(t, handler)

	w = get(handler, "/results")
	var summaries []registration.RunSummary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, second, summaries[0].ID)
	assert.Equal(t, first, summaries[1].ID)

	w = get(handler, "/results/"+first)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeRun(t, w)
	assert.Equal(t, first, resp.ID)
	require.NotNil(t, resp.CorrespondenceSet)
	assert.Equal(t, resp.Correspondences, resp.CorrespondenceSet.Len())
}

func TestResults_NotFound(t *testing.T) {
	handler := newHTTPServer(serviceApp())

	endpoints := []string{
		"/results/missing",
		"/results/missing/overlay.svg",
		"/results/missing/preview.png",
		"/results/missing/geojson",
	}
	for _, ep := range endpoints {
		t.Run(ep, func(t *testing.T) {
			w := get(handler, ep)
			if w.Code != http.StatusNotFound {
				t.Errorf("%s status = %d, want %d", ep, w.Code, http.StatusNotFound)
			}
		})
	}
}

func TestResults_Exports(t *testing.T) {
	handler := newHTTPServer(serviceApp())
	id := storedRun(t, handler)

	w := get(handler, fmt.Sprintf("/results/%s/overlay.svg", id))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/svg+xml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "<svg")

	w = get(handler, fmt.Sprintf("/results/%s/preview.png?projection=xz", id))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	_, err := png.Decode(w.Body)
	assert.NoError(t, err)

	w = get(handler, fmt.Sprintf("/results/%s/geojson", id))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/geo+json", w.Header().Get("Content-Type"))
	var fc struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	assert.Len(t, fc.Features, 4)

	w = get(handler, fmt.Sprintf("/results/%s/geojson?projection=zz", id))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResults_StoreCapacity(t *testing.T) {
	app := serviceApp()
	app.Store = registration.NewResultStore(1)
	handler := newHTTPServer(app)

	first := storedRun(t, handler)
	storedRun(t, handler)

	assert.Equal(t, http.StatusNotFound, get(handler, "/results/"+first).Code)
	assert.Equal(t, 1, app.Store.Len())
}

// ---------------------------------------------------------------------------
// statusForError
// ---------------------------------------------------------------------------

func TestStatusForError(t *testing.T) {
	source := registration.NewPointCloud([]r3.Vector{{}}, registration.Float64, registration.CPU())
	other := registration.NewPointCloud([]r3.Vector{{}}, registration.Float32, registration.CPU())
	_, precondition := registration.EvaluateRegistration(source, other, 1, registration.Identity(registration.Float64))

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"precondition", precondition, http.StatusBadRequest},
		{"invalid argument", fmt.Errorf("x: %w", registration.ErrInvalidArgument), http.StatusBadRequest},
		{"missing normals", registration.ErrMissingNormals, http.StatusBadRequest},
		{"index", fmt.Errorf("x: %w", registration.ErrIndexNotInitialized), http.StatusUnprocessableEntity},
		{"other", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusForError(tt.err); got != tt.want {
				t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
