package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/medcheck/internal/auth"
	"github.com/example/medcheck/internal/handlers"
	"github.com/example/medcheck/internal/repository"
	"github.com/example/medcheck/internal/testimages"
	"github.com/example/medcheck/internal/usecase"
	"github.com/example/medcheck/internal/verdict"
)

// blockingChecker holds every Check call until release is closed.
type blockingChecker struct {
	started chan struct{}
	release chan struct{}
	upload  chan []byte
}

func (b *blockingChecker) Check(ctx context.Context, userID string, imageBytes []byte, meta usecase.Metadata) (*usecase.CheckResult, error) {
	close(b.started)
	b.upload <- imageBytes
	<-b.release
	return &usecase.CheckResult{
		RequestID: "req-inflight",
		Label:     verdict.Authentic,
		FusedReal: 0.82,
		FusedFake: 0.31,
		Metadata:  meta,
		CheckedAt: time.Now(),
	}, nil
}

func (b *blockingChecker) GetResult(ctx context.Context, userID, requestID string) (*repository.CheckRecord, error) {
	return nil, usecase.ErrNotFound
}

func (b *blockingChecker) GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error) {
	return nil, usecase.ErrNotFound
}

func (b *blockingChecker) GetArtifact(ctx context.Context, userID, requestID string) ([]byte, error) {
	return nil, usecase.ErrNotFound
}

func (b *blockingChecker) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	return &usecase.MetricsSummary{}, nil
}

func TestServerDrainsInFlightCheckOnShutdown(t *testing.T) {
	logger := zap.NewNop()
	gin.SetMode(gin.TestMode)

	checker := &blockingChecker{
		started: make(chan struct{}),
		release: make(chan struct{}),
		upload:  make(chan []byte, 1),
	}
	released := false
	defer func() {
		if !released {
			close(checker.release)
		}
	}()

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger), handlers.CORS(nil))
	router.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(router, checker, auth.Anonymous())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	image := testimages.PNG(t, testimages.Blocks(3, 64, 64))
	body, contentType := uploadBody(t, image, map[string]string{"batch_no": "B-42"})

	client := &http.Client{Timeout: 3 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Post("http://"+addr+"/check", contentType, body)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-checker.started:
		t.Log("check started")
	case err := <-errCh:
		t.Fatalf("upload failed before reaching the checker: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("check did not start in time")
	}
	if got := <-checker.upload; !bytes.Equal(got, image) {
		t.Fatalf("checker received %d bytes, expected the %d byte upload", len(got), len(image))
	}

	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	if _, err := net.DialTimeout("tcp", addr, 50*time.Millisecond); err == nil {
		t.Fatal("expected listener to stop accepting connections during shutdown")
	}

	close(checker.release)
	released = true

	select {
	case resp := <-respCh:
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, raw)
		}
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("invalid json response %q: %v", raw, err)
		}
		if payload["request_id"] != "req-inflight" || payload["label"] != "authentic" {
			t.Fatalf("unexpected response %v", payload)
		}
		if payload["batch_no"] != "B-42" {
			t.Fatalf("expected metadata to survive shutdown, got %v", payload["batch_no"])
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func uploadBody(t *testing.T, image []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("failed to write field %s: %v", name, err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="pack.png"`)
	header.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(image); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
