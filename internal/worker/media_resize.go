package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"campus-job-queue/internal/config"
	"campus-job-queue/internal/jobtype"
	"campus-job-queue/internal/models"
)

// MediaResizer processes media-queue image jobs: download, optional
// grayscale, resize, upload. One image is small enough to be a single
// bounded step, so it completes in one pass.
type MediaResizer struct {
	cfg        config.Config
	httpClient *http.Client
	local      artifactUploader
	remote     artifactUploader
}

// JobTypeMediaResize is the registry tag for media resize jobs.
const JobTypeMediaResize = "media.resize"

func NewMediaResizer(ctx context.Context, cfg config.Config) (*MediaResizer, error) {
	timeout := cfg.MediaDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.MediaOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}

	var remote artifactUploader
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		remote = &s3Uploader{client: client, bucket: cfg.MediaS3Bucket}
	}

	return &MediaResizer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		remote:     remote,
	}, nil
}

type mediaResizePayload struct {
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Grayscale   bool   `json:"grayscale,omitempty"`
	Destination string `json:"destination,omitempty"`
}

type mediaResizeResult struct {
	Location string `json:"location"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Format   string `json:"format"`
}

// ValidateMediaResizePayload is the enqueue-time check for media jobs.
func ValidateMediaResizePayload(raw json.RawMessage) error {
	var p mediaResizePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	if p.SourceURL == "" {
		return errors.New("source_url is required")
	}
	return nil
}

func (m *MediaResizer) Step(ctx context.Context, job models.Job) (jobtype.StepResult, error) {
	var p mediaResizePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return jobtype.Fail("decode media payload: %v", err), nil
	}
	if p.SourceURL == "" {
		return jobtype.Fail("source_url is required"), nil
	}

	data, contentType, err := m.download(ctx, p.SourceURL)
	if err != nil {
		return jobtype.StepResult{}, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return jobtype.Fail("decode image: %v", err), nil
	}

	if p.Grayscale {
		img = imaging.Grayscale(img)
	}

	width, height := p.Width, p.Height
	if width == 0 && height == 0 {
		width = m.cfg.MediaDefaultWidth
		height = m.cfg.MediaDefaultHeight
	}
	if width == 0 && height == 0 {
		width = 320
	}
	img = imaging.Resize(img, width, height, imaging.Lanczos)

	outputFormat := chooseFormat(p.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return jobtype.StepResult{}, fmt.Errorf("encode image: %w", err)
	}

	outputKey := p.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("%s.%s", job.ID, formatExtension(outputFormat))
	}
	outputKey = sanitizeKey(outputKey)

	uploader, err := pickUploader(p.Destination, m.local, m.remote)
	if err != nil {
		return jobtype.StepResult{}, err
	}
	location, err := uploader.Upload(ctx, outputKey, buf.Bytes(), mimeForFormat(outputFormat, contentType))
	if err != nil {
		return jobtype.StepResult{}, fmt.Errorf("upload: %w", err)
	}

	result, err := json.Marshal(mediaResizeResult{
		Location: location,
		Width:    img.Bounds().Dx(),
		Height:   img.Bounds().Dy(),
		Format:   formatExtension(outputFormat),
	})
	if err != nil {
		return jobtype.StepResult{}, fmt.Errorf("encode result: %w", err)
	}
	return jobtype.Done(result), nil
}

func (m *MediaResizer) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := m.cfg.MediaMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}
