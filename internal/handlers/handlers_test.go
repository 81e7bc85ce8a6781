package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/example/medcheck/internal/auth"
	"github.com/example/medcheck/internal/imaging"
	"github.com/example/medcheck/internal/reference"
	"github.com/example/medcheck/internal/repository"
	"github.com/example/medcheck/internal/scoring"
	"github.com/example/medcheck/internal/usecase"
	"github.com/example/medcheck/internal/verdict"
)

const testJWTSecret = "test-secret"

type stubService struct {
	checkResult *usecase.CheckResult
	checkErr    error
	checkUserID string
	checkData   []byte
	checkMeta   usecase.Metadata
	checkCalls  int

	record    *repository.CheckRecord
	recordErr error
	report    *usecase.DuplicateReport
	summary   *usecase.MetricsSummary
	artifact  []byte
}

func (s *stubService) Check(ctx context.Context, userID string, imageBytes []byte, meta usecase.Metadata) (*usecase.CheckResult, error) {
	s.checkCalls++
	s.checkUserID = userID
	s.checkData = imageBytes
	s.checkMeta = meta
	return s.checkResult, s.checkErr
}

func (s *stubService) GetResult(ctx context.Context, userID, requestID string) (*repository.CheckRecord, error) {
	return s.record, s.recordErr
}

func (s *stubService) GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error) {
	if s.recordErr != nil {
		return nil, s.recordErr
	}
	return s.report, nil
}

func (s *stubService) GetArtifact(ctx context.Context, userID, requestID string) ([]byte, error) {
	if s.artifact == nil {
		return nil, usecase.ErrNotFound
	}
	return s.artifact, nil
}

func (s *stubService) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	return s.summary, nil
}

func newTestRouter(svc CheckService) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	router.Use(CORS([]string{"https://pharmacy.example"}))
	RegisterRoutes(router, svc, auth.JWTMiddleware(testJWTSecret, ""))
	return router
}

func postCheck(t *testing.T, router *gin.Engine, contentType string, payload []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	body, formType := buildMultipartBody(t, contentType, payload, fields)
	req := httptest.NewRequest(http.MethodPost, "/check", body)
	req.Header.Set("Content-Type", formType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func getWithToken(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body %q: %v", resp.Body.String(), err)
	}
	return body
}

func TestCheckRejectsLargeUpload(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	resp := postCheck(t, router, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1), nil)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if svc.checkCalls != 0 {
		t.Fatal("expected oversized upload to be rejected before scoring")
	}
}

func TestCheckRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(&stubService{})

	resp := postCheck(t, router, "text/plain", []byte("hello"), nil)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestCheckRequiresFile(t *testing.T) {
	router := newTestRouter(&stubService{})

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("batch_no", "B-1"); err != nil {
		t.Fatalf("failed to write field: %v", err)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/check", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestCheckRequiresToken(t *testing.T) {
	router := newTestRouter(&stubService{})

	body, formType := buildMultipartBody(t, "image/png", []byte("png"), nil)
	req := httptest.NewRequest(http.MethodPost, "/check", body)
	req.Header.Set("Content-Type", formType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
}

func TestCheckReturnsVerdictAndEchoesMetadata(t *testing.T) {
	checkedAt := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	svc := &stubService{checkResult: &usecase.CheckResult{
		RequestID: "req-1",
		Label:     verdict.Authentic,
		FusedReal: 0.812,
		FusedFake: 0.204,
		Assessment: &scoring.Assessment{
			Label:       verdict.Authentic,
			Authentic:   scoring.Comparison{Structural: 0.7, Feature: 0.889, Fused: 0.812},
			Counterfeit: scoring.Comparison{Structural: 0.2, Feature: 0.207, Fused: 0.204},
			Format:      "jpeg",
		},
		Metadata:  usecase.Metadata{BatchNo: "B-42", ExpiryDate: "2027-12"},
		CheckedAt: checkedAt,
	}}
	router := newTestRouter(svc)

	resp := postCheck(t, router, "image/jpeg", []byte("jpeg-bytes"), map[string]string{
		"batch_no":    "B-42",
		"expiry_date": "2027-12",
		"qr_payload":  "QR|123",
	})

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if svc.checkUserID != "user-123" {
		t.Fatalf("expected token subject to be passed, got %q", svc.checkUserID)
	}
	if string(svc.checkData) != "jpeg-bytes" {
		t.Fatalf("unexpected upload bytes %q", svc.checkData)
	}
	if svc.checkMeta.BatchNo != "B-42" || svc.checkMeta.QRPayload != "QR|123" || svc.checkMeta.ExpiryDate != "2027-12" {
		t.Fatalf("metadata not bound: %+v", svc.checkMeta)
	}

	body := decodeBody(t, resp)
	if body["request_id"] != "req-1" || body["label"] != "authentic" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["img_score_real"] != 0.812 || body["img_score_fake"] != 0.204 {
		t.Fatalf("unexpected scores %v", body)
	}
	if body["batch_no"] != "B-42" || body["expiry_date"] != "2027-12" {
		t.Fatalf("metadata not echoed: %v", body)
	}
	if body["checked_at"] != "2026-03-04T05:06:07Z" {
		t.Fatalf("unexpected checked_at %v", body["checked_at"])
	}
}

func TestCheckMapsErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("assess: %w", imaging.ErrUnreadableImage), http.StatusUnprocessableEntity, "unreadable_image"},
		{fmt.Errorf("assess: %w", imaging.ErrImageTooLarge), http.StatusRequestEntityTooLarge, "image_too_large"},
		{fmt.Errorf("assess: %w", reference.ErrReferenceUnavailable), http.StatusServiceUnavailable, "reference_unavailable"},
		{fmt.Errorf("database down"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			router := newTestRouter(&stubService{checkErr: tc.err})

			resp := postCheck(t, router, "image/png", []byte("bytes"), nil)
			if resp.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, resp.Code)
			}
			if body := decodeBody(t, resp); body["code"] != tc.code {
				t.Fatalf("expected code %q, got %v", tc.code, body["code"])
			}
		})
	}
}

func TestGetCheck(t *testing.T) {
	record := &repository.CheckRecord{
		RequestID: "req-9",
		UserID:    "user-123",
		Label:     "suspicious",
		FusedReal: 0.41,
		BatchNo:   "B-9",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	resp := getWithToken(t, newTestRouter(&stubService{record: record}), "/checks/req-9")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	body := decodeBody(t, resp)
	if body["label"] != "suspicious" || body["batch_no"] != "B-9" || body["checked_at"] != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected body %v", body)
	}

	resp = getWithToken(t, newTestRouter(&stubService{recordErr: usecase.ErrNotFound}), "/checks/missing")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	resp = getWithToken(t, newTestRouter(&stubService{recordErr: usecase.ErrInProgress}), "/checks/busy")
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
}

func TestGetDuplicates(t *testing.T) {
	svc := &stubService{report: &usecase.DuplicateReport{
		Request: &repository.CheckRecord{RequestID: "req-2", SHA256Hash: "abc"},
		Duplicates: []*repository.CheckRecord{
			{RequestID: "req-1", Label: "authentic", CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
	}}

	resp := getWithToken(t, newTestRouter(svc), "/checks/req-2/duplicates")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	body := decodeBody(t, resp)
	duplicates, ok := body["duplicates"].([]interface{})
	if !ok || len(duplicates) != 1 {
		t.Fatalf("unexpected duplicates %v", body["duplicates"])
	}
	if body["sha256"] != "abc" {
		t.Fatalf("unexpected hash %v", body["sha256"])
	}
}

func TestGetArtifact(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")

	resp := getWithToken(t, newTestRouter(&stubService{artifact: png}), "/checks/req-1/artifact")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if got := resp.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("unexpected content type %q", got)
	}
	if !bytes.Equal(resp.Body.Bytes(), png) {
		t.Fatal("unexpected artifact body")
	}

	resp = getWithToken(t, newTestRouter(&stubService{}), "/checks/req-1/artifact")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestMetrics(t *testing.T) {
	svc := &stubService{summary: &usecase.MetricsSummary{TotalChecks: 3, AuthenticChecks: 1, AuthenticRate: 1.0 / 3}}

	resp := getWithToken(t, newTestRouter(svc), "/metrics")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if body := decodeBody(t, resp); body["total_checks"] != float64(3) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestHealthIsPublic(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp := httptest.NewRecorder()
	newTestRouter(&stubService{}).ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	router := newTestRouter(&stubService{})

	req := httptest.NewRequest(http.MethodOptions, "/check", nil)
	req.Header.Set("Origin", "https://pharmacy.example")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "https://pharmacy.example" {
		t.Fatalf("unexpected allow-origin %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow-origin for unknown origin, got %q", got)
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("failed to write field %s: %v", name, err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
