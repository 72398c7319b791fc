package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sediment-server/internal/config"
	"sediment-server/internal/inference"
	"sediment-server/internal/metrics"
	"sediment-server/internal/middleware"
	"sediment-server/internal/models"
	"sediment-server/internal/routes"
	"sediment-server/internal/storage"
	"sediment-server/internal/store"
	"sediment-server/internal/utils"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDetector struct {
	raw   []inference.RawDetection
	err   error
	calls int
}

func (f *fakeDetector) Detect(_ context.Context, _, _ string, _ []byte) (*inference.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return inference.Normalize("sediment-yolo", f.raw), nil
}

type testAPI struct {
	router   *gin.Engine
	store    *store.Store
	objects  *storage.MemoryStore
	detector *fakeDetector
}

func setupTestAPI(t *testing.T) *testAPI {
	t.Helper()

	db, err := models.InitDB(models.DatabaseConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	m, err := metrics.New()
	require.NoError(t, err)

	cfg := &config.Config{
		Environment:    "test",
		CORSOrigins:    []string{"http://localhost:3000"},
		MaxUploadBytes: 64 << 10,
		Auth:           config.AuthConfig{Mode: config.AuthModeJWT, JWTSecret: testSecret, Audience: "authenticated"},
		Storage:        config.StorageConfig{Backend: config.StorageMemory, Bucket: "urine-images", SignedURLTTL: time.Minute},
	}
	verifier, err := middleware.NewVerifier(cfg.Auth)
	require.NoError(t, err)

	api := &testAPI{
		store:   store.New(db, m, zerolog.Nop()),
		objects: storage.NewMemoryStore(cfg.Storage.Bucket),
		detector: &fakeDetector{raw: []inference.RawDetection{
			{ClassID: 0, Confidence: 0.91234, BBox: inference.RawBox{X1: 4, Y1: 4, X2: 20, Y2: 20}},
			{ClassID: 1, Confidence: 0.8, BBox: inference.RawBox{X1: 30, Y1: 10, X2: 50, Y2: 30}},
			{ClassID: 0, Confidence: 0.4, BBox: inference.RawBox{X1: 40, Y1: 30, X2: 60, Y2: 44}},
		}},
	}
	api.router, err = routes.NewRouter(routes.Dependencies{
		Config:   cfg,
		Store:    api.store,
		Objects:  api.objects,
		Detector: api.detector,
		Verifier: verifier,
		Metrics:  m,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return api
}

func newToken(t *testing.T, doctorID string) string {
	t.Helper()
	claims := utils.Claims{
		Email: doctorID[:8] + "@clinic.test",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   doctorID,
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (a *testAPI) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) doJSON(t *testing.T, method, path, token string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	return a.do(t, method, path, token, body, "application/json")
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Data, out), string(env.Data))
	}
	return env
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 240, G: 240, B: 230, A: 255}), image.Point{}, draw.Src)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadForm(t *testing.T, visitID, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("visit_id", visitID))
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

// seedVisit creates patient, case and visit for a doctor through the API.
func (a *testAPI) seedVisit(t *testing.T, token string) (patient models.Patient, clinicalCase models.ClinicalCase, visit models.Visit) {
	t.Helper()

	w := a.doJSON(t, http.MethodPost, "/api/v1/patients", token, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	decode(t, w, &patient)

	w = a.doJSON(t, http.MethodPost, "/api/v1/cases", token, gin.H{"patient_id": patient.ID, "title": "Control"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	decode(t, w, &clinicalCase)

	w = a.doJSON(t, http.MethodPost, "/api/v1/visits", token, gin.H{"case_id": clinicalCase.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	decode(t, w, &visit)
	return patient, clinicalCase, visit
}

func (a *testAPI) predict(t *testing.T, token, visitID string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := uploadForm(t, visitID, "Sample.PNG", data)
	return a.do(t, http.MethodPost, "/api/v1/predict", token, body, contentType)
}

func TestPublicRoutes(t *testing.T) {
	api := setupTestAPI(t)

	w := api.do(t, http.MethodGet, "/", "", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "API running")

	w = api.do(t, http.MethodGet, "/health", "", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())

	w = api.do(t, http.MethodGet, "/metrics", "", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := setupTestAPI(t)

	w := api.do(t, http.MethodGet, "/api/v1/patients", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/patients", "not-a-jwt", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProfileIsProvisionedAndUpdatable(t *testing.T) {
	api := setupTestAPI(t)
	doctorID := uuid.NewString()
	token := newToken(t, doctorID)

	var doctor models.Doctor
	w := api.do(t, http.MethodGet, "/api/v1/profile", token, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &doctor)
	assert.Equal(t, doctorID, doctor.ID)
	assert.Equal(t, doctorID[:8]+"@clinic.test", doctor.Email)

	w = api.doJSON(t, http.MethodPut, "/api/v1/profile", token, gin.H{"full_name": "Dra. Ana Ruiz", "specialty": "Nefrología"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &doctor)
	assert.Equal(t, "Dra. Ana Ruiz", doctor.FullName)
	assert.Equal(t, "Nefrología", doctor.Specialty)

	w = api.doJSON(t, http.MethodPut, "/api/v1/profile", token, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPatientCodesFillGapsAndSearch(t *testing.T) {
	api := setupTestAPI(t)
	token := newToken(t, uuid.NewString())

	var created []models.Patient
	for _, body := range []interface{}{nil, gin.H{"alias": "Maria G", "sex": "female", "birth_year": 1984}, nil} {
		w := api.doJSON(t, http.MethodPost, "/api/v1/patients", token, body)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var p models.Patient
		decode(t, w, &p)
		created = append(created, p)
	}
	assert.Equal(t, "P-0001", created[0].Code)
	assert.Equal(t, "P-0002", created[1].Code)
	assert.Equal(t, "P-0003", created[2].Code)
	require.NotNil(t, created[1].Details)
	assert.Equal(t, "Maria G", created[1].Details.Alias)

	var found []models.Patient
	w := api.do(t, http.MethodGet, "/api/v1/patients?search=MAR", token, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &found)
	require.Len(t, found, 1)
	assert.Equal(t, created[1].ID, found[0].ID)

	w = api.do(t, http.MethodGet, "/api/v1/patients?search=p-0003", token, nil, "")
	decode(t, w, &found)
	require.Len(t, found, 1)
	assert.Equal(t, "P-0003", found[0].Code)

	w = api.do(t, http.MethodDelete, "/api/v1/patients/"+created[1].ID, token, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.doJSON(t, http.MethodPost, "/api/v1/patients", token, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var refill models.Patient
	decode(t, w, &refill)
	assert.Equal(t, "P-0002", refill.Code)

	w = api.do(t, http.MethodGet, "/api/v1/patients", token, nil, "")
	decode(t, w, &found)
	codes := make([]string, 0, len(found))
	for _, p := range found {
		codes = append(codes, p.Code)
	}
	assert.Equal(t, []string{"P-0001", "P-0002", "P-0003"}, codes)
}

func TestPatientSearchTreatsWildcardsLiterally(t *testing.T) {
	api := setupTestAPI(t)
	token := newToken(t, uuid.NewString())

	for _, alias := range []string{"Ana", "50%_off", "Luis!"} {
		w := api.doJSON(t, http.MethodPost, "/api/v1/patients", token, gin.H{"alias": alias})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	tests := []struct {
		search string
		want   []string
	}{
		{"%", []string{"50%_off"}},
		{"_", []string{"50%_off"}},
		{"%_", []string{"50%_off"}},
		{"!", []string{"Luis!"}},
		{"a_a", nil},
		{"an", []string{"Ana"}},
	}
	for _, tc := range tests {
		var found []models.Patient
		w := api.do(t, http.MethodGet, "/api/v1/patients?search="+url.QueryEscape(tc.search), token, nil, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		decode(t, w, &found)

		var aliases []string
		for _, p := range found {
			require.NotNil(t, p.Details)
			aliases = append(aliases, p.Details.Alias)
		}
		assert.Equal(t, tc.want, aliases, tc.search)
	}
}

func TestPatientDetailsUpsert(t *testing.T) {
	api := setupTestAPI(t)
	token := newToken(t, uuid.NewString())

	w := api.doJSON(t, http.MethodPost, "/api/v1/patients", token, nil)
	var patient models.Patient
	decode(t, w, &patient)
	assert.Nil(t, patient.Details)

	path := "/api/v1/patients/" + patient.ID + "/details"
	w = api.doJSON(t, http.MethodPut, path, token, gin.H{"alias": "J.P.", "sex": "male"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.doJSON(t, http.MethodPut, path, token, gin.H{"alias": "Juan P", "notes": "diabético"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(t, http.MethodGet, "/api/v1/patients/"+patient.ID, token, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &patient)
	require.NotNil(t, patient.Details)
	assert.Equal(t, "Juan P", patient.Details.Alias)
	assert.Empty(t, patient.Details.Sex)
	assert.Equal(t, "diabético", patient.Details.Notes)

	w = api.doJSON(t, http.MethodPut, path, token, gin.H{"sex": "unknown"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOtherDoctorsRecordsAreInvisible(t *testing.T) {
	api := setupTestAPI(t)
	owner := newToken(t, uuid.NewString())
	intruder := newToken(t, uuid.NewString())

	patient, clinicalCase, visit := api.seedVisit(t, owner)

	for _, path := range []string{
		"/api/v1/patients/" + patient.ID,
		"/api/v1/cases/" + clinicalCase.ID,
		"/api/v1/visits/" + visit.ID,
		"/api/v1/images?visit_id=" + visit.ID,
	} {
		w := api.do(t, http.MethodGet, path, intruder, nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}

	var patients []models.Patient
	w := api.do(t, http.MethodGet, "/api/v1/patients", intruder, nil, "")
	decode(t, w, &patients)
	assert.Empty(t, patients)

	w = api.doJSON(t, http.MethodPost, "/api/v1/cases", intruder, gin.H{"patient_id": patient.ID, "title": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.doJSON(t, http.MethodPatch, "/api/v1/cases/"+clinicalCase.ID, intruder, gin.H{"status": "closed"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodDelete, "/api/v1/patients/"+patient.ID, intruder, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/patients/"+patient.ID, owner, nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCaseAndVisitLifecycle(t *testing.T) {
	api := setupTestAPI(t)
	token := newToken(t, uuid.NewString())

	patient, clinicalCase, _ := api.seedVisit(t, token)
	assert.Equal(t, models.CaseStatusOpen, clinicalCase.Status)
	require.NotNil(t, clinicalCase.Patient)
	assert.Equal(t, patient.Code, clinicalCase.Patient.Code)

	w := api.doJSON(t, http.MethodPost, "/api/v1/visits", token, gin.H{
		"case_id":    clinicalCase.ID,
		"visit_date": "2024-03-05T10:30:00Z",
		"notes":      "segunda muestra",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var second models.Visit
	decode(t, w, &second)
	assert.True(t, second.VisitDate.Equal(time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)))

	var visits []models.Visit
	w = api.do(t, http.MethodGet, "/api/v1/visits?case_id="+clinicalCase.ID, token, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &visits)
	require.Len(t, visits, 2)
	assert.Equal(t, second.ID, visits[1].ID, "newest visit date first")
	require.NotNil(t, visits[0].Case)
	require.NotNil(t, visits[0].Case.Patient)
	assert.Equal(t, patient.Code, visits[0].Case.Patient.Code)

	w = api.doJSON(t, http.MethodPatch, "/api/v1/visits/"+second.ID, token, gin.H{"notes": "corregido"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &second)
	assert.Equal(t, "corregido", second.Notes)

	w = api.doJSON(t, http.MethodPatch, "/api/v1/cases/"+clinicalCase.ID, token, gin.H{"status": "closed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &clinicalCase)
	assert.Equal(t, models.CaseStatusClosed, clinicalCase.Status)

	w = api.doJSON(t, http.MethodPost, "/api/v1/visits", token, gin.H{"case_id": clinicalCase.ID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.doJSON(t, http.MethodPatch, "/api/v1/cases/"+clinicalCase.ID, token, gin.H{"status": "archived"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var cases []models.ClinicalCase
	w = api.do(t, http.MethodGet, "/api/v1/cases?patient_id="+patient.ID, token, nil, "")
	decode(t, w, &cases)
	require.Len(t, cases, 1)

	w = api.do(t, http.MethodGet, "/api/v1/cases?patient_id=abc", token, nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPredictRecordsImageAndAnalysis(t *testing.T) {
	api := setupTestAPI(t)
	token := newToken(t, uuid.NewString())
	patient, _, visit := api.seedVisit(t, token)

	w := api.predict(t, token, visit.ID, pngBytes(t, 64, 48))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var result struct {
		Success         bool               `json:"success"`
		ImageID         string             `json:"image_id"`
		AnalysisID      string             `json:"analysis_id"`
		StoragePath     string             `json:"storage_path"`
		ModelName       string             `json:"model_name"`
		Counts          map[string]int     `json:"counts"`
		Detections      []models.Detection `json:"detections"`
		TotalDetections int                `json:"total_detections"`
	}
	decode(t, w, &result)
	assert.True(t, result.Success)
	assert.Equal(t, "sediment-yolo", result.ModelName)
	assert.Equal(t, 3, result.TotalDetections)
	assert.Equal(t, 2, result.Counts["erythrocyte"])
	assert.Equal(t, 1, result.Counts["leukocyte"])
	assert.Equal(t, 0, result.Counts["yeast"])
	assert.Equal(t, 0.9123, result.Detections[0].Confidence)
	assert.True(t, strings.HasPrefix(result.StoragePath, visit.DoctorID+"/"+visit.ID+"/"), result.StoragePath)
	assert.True(t, strings.HasSuffix(result.StoragePath, ".png"), result.StoragePath)
	assert.Equal(t, 1, api.objects.Len())

	var images []models.Image
	w = api.do(t, http.MethodGet, "/api/v1/images?visit_id="+visit.ID, token, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &images)
	require.Len(t, images, 1)
	assert.Equal(t, result.ImageID, images[0].ID)
	assert.Equal(t, 64, images[0].Width)
	assert.Equal(t, 48, images[0].Height)
	assert.Equal(t, "image/png", images[0].ContentType)
	assert.Equal(t, "Sample.PNG", images[0].OriginalFilename)

	var analyses []models.AnalysisResult
	w = api.do(t, http.MethodGet, "/api/v1/analysis?visit_id="+visit.ID, token, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &analyses)
	require.Len(t, analyses, 1)
	assert.Equal(t, result.AnalysisID, analyses[0].ID)
	assert.Equal(t, 2, analyses[0].Counts.Data()["erythrocyte"])

	var analysis models.AnalysisResult
	w = api.do(t, http.MethodGet, "/api/v1/analysis/"+result.AnalysisID, token, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &analysis)
	require.NotNil(t, analysis.Image)
	require.NotNil(t, analysis.Image.Visit)
	require.NotNil(t, analysis.Image.Visit.Case)
	require.NotNil(t, analysis.Image.Visit.Case.Patient)
	assert.Equal(t, patient.Code, analysis.Image.Visit.Case.Patient.Code)
	assert.Len(t, analysis.Detections, 3)

	other := newToken(t, uuid.NewString())
	w = api.do(t, http.MethodGet, "/api/v1/analysis/"+result.AnalysisID, other, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPredictRejectsBadInput(t *testing.T) {
	api := setupTestAPI(t)
	token := newToken(t, uuid.NewString())
	_, _, visit := api.seedVisit(t, token)
	valid := pngBytes(t, 16, 16)

	w := api.predict(t, token, "not-a-uuid", valid)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.predict(t, token, uuid.NewString(), valid)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.predict(t, token, visit.ID, []byte("plain text is not an image"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// PNG signature with a corrupt header
	w = api.predict(t, token, visit.ID, append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.predict(t, token, visit.ID, append(valid, make([]byte, 64<<10)...))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("visit_id", visit.ID))
	require.NoError(t, mw.Close())
	w = api.do(t, http.MethodPost, "/api/v1/predict", token, body, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Zero(t, api.detector.calls)
	assert.Zero(t, api.objects.Len())
}

func TestPredictOnForeignVisitIsForbidden(t *testing.T) {
	api := setupTestAPI(t)
	owner := newToken(t, uuid.NewString())
	_, _, visit := api.seedVisit(t, owner)

	w := api.predict(t, newToken(t, uuid.NewString()), visit.ID, pngBytes(t, 16, 16))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, api.detector.calls)
	assert.Zero(t, api.objects.Len())
}

func TestPredictDetectorFailureStoresNothing(t *testing.T) {
	api := setupTestAPI(t)
	token := newToken(t, uuid.NewString())
	_, _, visit := api.seedVisit(t, token)
	api.detector.err = fmt.Errorf("%w: connection refused", inference.ErrUnavailable)

	w := api.predict(t, token, visit.ID, pngBytes(t, 16, 16))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Zero(t, api.objects.Len())

	var images []models.Image
	w = api.do(t, http.MethodGet, "/api/v1/images?visit_id="+visit.ID, token, nil, "")
	decode(t, w, &images)
	assert.Empty(t, images)
}

func TestPredictInsertFailureRemovesUpload(t *testing.T) {
	api := setupTestAPI(t)
	token := newToken(t, uuid.NewString())
	_, _, visit := api.seedVisit(t, token)
	require.NoError(t, api.store.DB.Migrator().DropTable(&models.AnalysisResult{}))

	w := api.predict(t, token, visit.ID, pngBytes(t, 16, 16))
	assert.Equal(t, http.StatusInternalServerError, w.Code, w.Body.String())
	assert.Equal(t, 1, api.detector.calls)
	assert.Zero(t, api.objects.Len(), "uploaded object is removed")

	var images []models.Image
	w = api.do(t, http.MethodGet, "/api/v1/images?visit_id="+visit.ID, token, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &images)
	assert.Empty(t, images, "image row is rolled back")
}

func TestAnnotatedImage(t *testing.T) {
	api := setupTestAPI(t)
	token := newToken(t, uuid.NewString())
	_, _, visit := api.seedVisit(t, token)

	w := api.predict(t, token, visit.ID, pngBytes(t, 64, 48))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var result struct {
		AnalysisID  string `json:"analysis_id"`
		StoragePath string `json:"storage_path"`
	}
	decode(t, w, &result)
	base := "/api/v1/analysis/" + result.AnalysisID + "/annotated"

	w = api.do(t, http.MethodGet, base, token, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	img, err := png.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())

	w = api.do(t, http.MethodGet, base+"?width=32&min_confidence=0.5&labels=false", token, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	img, err = png.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 24), img.Bounds())

	for _, query := range []string{"?width=abc", "?width=9000", "?min_confidence=2", "?line_width=0", "?labels=maybe"} {
		w = api.do(t, http.MethodGet, base+query, token, nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
	}

	require.NoError(t, api.objects.Remove(context.Background(), result.StoragePath))
	w = api.do(t, http.MethodGet, base, token, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSignedURL(t *testing.T) {
	api := setupTestAPI(t)
	doctorID := uuid.NewString()
	token := newToken(t, doctorID)
	_, _, visit := api.seedVisit(t, token)

	w := api.predict(t, token, visit.ID, pngBytes(t, 16, 16))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var result struct {
		StoragePath string `json:"storage_path"`
	}
	decode(t, w, &result)

	var signed struct {
		SignedURL   string `json:"signed_url"`
		ExpiresIn   int    `json:"expires_in"`
		StoragePath string `json:"storage_path"`
	}
	w = api.do(t, http.MethodGet, "/api/v1/storage/signed-url?storage_path="+result.StoragePath, token, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &signed)
	assert.True(t, strings.HasPrefix(signed.SignedURL, "memory://urine-images/"+doctorID+"/"), signed.SignedURL)
	assert.Equal(t, 60, signed.ExpiresIn)

	w = api.do(t, http.MethodGet, "/api/v1/storage/signed-url?storage_path=urine-images/"+result.StoragePath, token, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &signed)
	assert.Equal(t, result.StoragePath, signed.StoragePath)

	otherToken := newToken(t, uuid.NewString())
	_, _, otherVisit := api.seedVisit(t, otherToken)
	w = api.predict(t, otherToken, otherVisit.ID, pngBytes(t, 16, 16))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var otherResult struct {
		StoragePath string `json:"storage_path"`
	}
	decode(t, w, &otherResult)
	otherPath := otherResult.StoragePath

	cases := []struct {
		name string
		path string
		want int
	}{
		{"missing", "", http.StatusBadRequest},
		{"not a storage path", "loose-file.png", http.StatusBadRequest},
		{"foreign folder", uuid.NewString() + "/" + visit.ID + "/x.png", http.StatusForbidden},
		{"absent object", doctorID + "/" + visit.ID + "/absent.png", http.StatusNotFound},
		{"parent segments into another folder", doctorID + "/x/../../" + otherPath, http.StatusBadRequest},
		{"parent segment in name", doctorID + "/" + visit.ID + "/../x.png", http.StatusBadRequest},
		{"current segment", doctorID + "/./" + visit.ID + "/x.png", http.StatusBadRequest},
		{"empty segment", doctorID + "/" + visit.ID + "//x.png", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := api.do(t, http.MethodGet, "/api/v1/storage/signed-url?storage_path="+url.QueryEscape(tc.path), token, nil, "")
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}

func TestDeletePatientRemovesStoredImages(t *testing.T) {
	api := setupTestAPI(t)
	token := newToken(t, uuid.NewString())
	patient, _, visit := api.seedVisit(t, token)

	for i := 0; i < 2; i++ {
		w := api.predict(t, token, visit.ID, pngBytes(t, 16, 16))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	require.Equal(t, 2, api.objects.Len())

	w := api.do(t, http.MethodDelete, "/api/v1/patients/"+patient.ID, token, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		RemovedImages int `json:"removed_images"`
	}
	decode(t, w, &out)
	assert.Equal(t, 2, out.RemovedImages)
	assert.Zero(t, api.objects.Len())

	w = api.do(t, http.MethodGet, "/api/v1/visits/"+visit.ID, token, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMalformedIdentifiersAreRejected(t *testing.T) {
	api := setupTestAPI(t)
	token := newToken(t, uuid.NewString())

	for _, path := range []string{
		"/api/v1/patients/123",
		"/api/v1/cases/abc",
		"/api/v1/visits/abc",
		"/api/v1/analysis/abc",
		"/api/v1/images",
		"/api/v1/images?visit_id=abc",
	} {
		w := api.do(t, http.MethodGet, path, token, nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		env := decode(t, w, nil)
		assert.NotEmpty(t, env.Error, path)
	}
}

