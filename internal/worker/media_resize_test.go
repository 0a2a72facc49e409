package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"campus-job-queue/internal/config"
	"campus-job-queue/internal/jobtype"
	"campus-job-queue/internal/models"
)

func pngFixture(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func testResizer(cfg config.Config) *MediaResizer {
	return &MediaResizer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 2 * time.Second},
		local:      &localUploader{baseDir: cfg.MediaOutputDir},
	}
}

func TestMediaResizerResizeAndGrayscale(t *testing.T) {
	data := pngFixture(t, 10, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	resizer := testResizer(config.Config{
		MediaOutputDir: tempDir,
		MediaMaxBytes:  2 * 1024 * 1024,
	})

	payload, _ := json.Marshal(mediaResizePayload{
		SourceURL: srv.URL,
		OutputKey: "thumbs/test.png",
		Width:     5,
		Grayscale: true,
	})
	res, err := resizer.Step(context.Background(), models.Job{ID: "job-1", Payload: payload})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Outcome != jobtype.OutcomeDone {
		t.Fatalf("expected done, got %+v", res)
	}

	var result mediaResizeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Width != 5 || result.Format != "png" {
		t.Fatalf("unexpected result: %+v", result)
	}

	out, err := os.ReadFile(filepath.Join(tempDir, "thumbs", "test.png"))
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	outImg, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if outImg.Bounds().Dx() != 5 {
		t.Fatalf("expected width 5, got %d", outImg.Bounds().Dx())
	}
	// Grayscale output has equal channels.
	r, g, b, _ := outImg.At(2, 2).RGBA()
	if r != g || g != b {
		t.Fatalf("output not grayscale: r=%d g=%d b=%d", r, g, b)
	}
}

func TestMediaResizerRejectsOversizedDownload(t *testing.T) {
	data := pngFixture(t, 20, 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	resizer := testResizer(config.Config{
		MediaOutputDir: t.TempDir(),
		MediaMaxBytes:  16,
	})
	payload, _ := json.Marshal(mediaResizePayload{SourceURL: srv.URL})

	// Infra-style failures return an error so the retry budget applies.
	if _, err := resizer.Step(context.Background(), models.Job{ID: "job-1", Payload: payload}); err == nil {
		t.Fatalf("oversized download must error")
	}
}

func TestMediaResizerDownloadFailureErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	resizer := testResizer(config.Config{MediaOutputDir: t.TempDir()})
	payload, _ := json.Marshal(mediaResizePayload{SourceURL: srv.URL})

	if _, err := resizer.Step(context.Background(), models.Job{ID: "job-1", Payload: payload}); err == nil {
		t.Fatalf("download failure must error")
	}
}

func TestMediaResizerBadImageFailsWithoutRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not an image"))
	}))
	defer srv.Close()

	resizer := testResizer(config.Config{MediaOutputDir: t.TempDir()})
	payload, _ := json.Marshal(mediaResizePayload{SourceURL: srv.URL})

	res, err := resizer.Step(context.Background(), models.Job{ID: "job-1", Payload: payload})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Outcome != jobtype.OutcomeFailed {
		t.Fatalf("undecodable image must be a business failure, got %+v", res)
	}
}

func TestValidateMediaResizePayload(t *testing.T) {
	if err := ValidateMediaResizePayload(json.RawMessage(`{"source_url":"http://example.com/a.png"}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := ValidateMediaResizePayload(json.RawMessage(`{"width":5}`)); err == nil {
		t.Fatalf("missing source_url must be rejected")
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"thumbs/a.png":     "thumbs/a.png",
		"/abs/path.png":    "abs/path.png",
		"./rel/b.jpg":      "rel/b.jpg",
		"a/../../esc.png":  "esc.png",
		"dir/../inner.png": "inner.png",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}
