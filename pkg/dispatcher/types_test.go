package dispatcher

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/forge/pkg/endpoint"
	"github.com/wisbric/forge/pkg/job"
)

func intPtr(n int) *int { return &n }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		job  job.Job
		want Variant
	}{
		{
			name: "plain image",
			job:  job.Job{JobType: endpoint.Image, Model: "openflux1"},
			want: ImageT2I,
		},
		{
			name: "qwen image requires input image",
			job: job.Job{
				JobType:  endpoint.Image,
				Model:    "qwen-image-edit",
				Metadata: map[string]any{"input_image_url": "https://u/i.jpg"},
			},
			want: ImageI2I,
		},
		{
			name: "declared video job",
			job:  job.Job{JobType: endpoint.Video, Model: "wan2.2"},
			want: VideoT2V,
		},
		{
			name: "video model inferred despite image job_type",
			job:  job.Job{JobType: endpoint.Image, Model: "ltx-video-13b"},
			want: VideoT2V,
		},
		{
			name: "video job with input image is image-to-video",
			job: job.Job{
				JobType:  endpoint.Video,
				Model:    "wan22-animate-14b",
				Metadata: map[string]any{"input_image_url": "https://u/i.jpg"},
			},
			want: VideoI2V,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.job); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildRequestImage(t *testing.T) {
	j := job.Job{
		JobID:       uuid.New(),
		JobType:     endpoint.Image,
		Model:       "openflux1",
		Prompt:      "a cat",
		AspectRatio: "1:1",
	}

	req, variant, err := BuildRequest(j)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if variant != ImageT2I {
		t.Fatalf("variant = %q, want %q", variant, ImageT2I)
	}

	img, ok := req.(ImageRequest)
	if !ok {
		t.Fatalf("request type = %T, want ImageRequest", req)
	}
	if img.Prompt != "a cat" || img.AspectRatio != "1:1" || img.Model != "openflux1" {
		t.Errorf("unexpected image request: %+v", img)
	}
	if img.InputImageURL != "" {
		t.Errorf("expected no input_image_url for t2i, got %q", img.InputImageURL)
	}
}

func TestBuildRequestQwenMissingInputImage(t *testing.T) {
	j := job.Job{JobID: uuid.New(), JobType: endpoint.Image, Model: "qwen-image-edit", Prompt: "edit this"}

	_, _, err := BuildRequest(j)
	if err == nil {
		t.Fatal("expected error for qwen job missing input_image_url")
	}
}

func TestBuildRequestQwenPopulatesWorkflowFields(t *testing.T) {
	j := job.Job{
		JobID:       uuid.New(),
		JobType:     endpoint.Image,
		Model:       "qwen-image-edit",
		Prompt:      "edit this",
		AspectRatio: "1:1",
		Metadata:    map[string]any{"input_image_url": "https://u/i.jpg"},
	}

	req, variant, err := BuildRequest(j)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if variant != ImageI2I {
		t.Fatalf("variant = %q, want %q", variant, ImageI2I)
	}

	img, ok := req.(ImageRequest)
	if !ok {
		t.Fatalf("request type = %T, want ImageRequest", req)
	}
	if !img.IsQwen {
		t.Error("expected is_qwen to be set")
	}
	if img.Steps != 20 || img.CFG != 2.5 {
		t.Errorf("steps/cfg = %d/%v, want 20/2.5", img.Steps, img.CFG)
	}
	if img.QwenModel != "qwen_image_edit_fp8_e4m3fn.safetensors" {
		t.Errorf("qwen_model = %q", img.QwenModel)
	}
	if img.QwenVAE != "qwen_image_vae.safetensors" {
		t.Errorf("qwen_vae = %q", img.QwenVAE)
	}
	if img.QwenTextEncoder != "qwen_2.5_vl_7b_fp8_scaled.safetensors" {
		t.Errorf("qwen_text_encoder = %q", img.QwenTextEncoder)
	}
	if img.InputImageURL != "https://u/i.jpg" {
		t.Errorf("input_image_url = %q, want https://u/i.jpg", img.InputImageURL)
	}
}

func TestBuildRequestVideoImageToVideo(t *testing.T) {
	j := job.Job{
		JobID:           uuid.New(),
		JobType:         endpoint.Video,
		Model:           "wan2.2",
		Prompt:          "animate this",
		AspectRatio:     "9:16",
		DurationSeconds: intPtr(5),
		Metadata:        map[string]any{"input_image_url": "https://u/i.jpg"},
	}

	req, variant, err := BuildRequest(j)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if variant != VideoI2V {
		t.Fatalf("variant = %q, want %q", variant, VideoI2V)
	}

	video, ok := req.(VideoRequest)
	if !ok {
		t.Fatalf("request type = %T, want VideoRequest", req)
	}
	if video.Width != 576 || video.Height != 1024 {
		t.Errorf("dimensions = (%d,%d), want (576,1024)", video.Width, video.Height)
	}
	if video.WorkflowType != "image-to-video" {
		t.Errorf("workflow_type = %q, want image-to-video", video.WorkflowType)
	}
	if video.Model != "wan2.2_i2v_high_noise_14B_fp16.safetensors" {
		t.Errorf("model = %q, want the image-to-video weights file", video.Model)
	}
	if video.FPS != 25 || video.Duration != 5 {
		t.Errorf("fps/duration = %d/%d, want 25/5", video.FPS, video.Duration)
	}
	if video.InputImageURL != "https://u/i.jpg" {
		t.Errorf("input_image_url = %q, want https://u/i.jpg", video.InputImageURL)
	}

	data, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decoding encoded request: %v", err)
	}
	if decoded["type"] != "video" {
		t.Errorf("encoded type = %v, want video", decoded["type"])
	}
}

func TestVideoThumbnailURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://cdn/ai/job123.mp4", "https://cdn/ai/job123.jpg"},
		{"https://cdn/ai/job123.webm", "https://cdn/ai/job123.jpg"},
		{"https://cdn/ai/job123", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := videoThumbnailURL(tt.url); got != tt.want {
			t.Errorf("videoThumbnailURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestVideoDimensions(t *testing.T) {
	tests := []struct {
		ar             string
		width, height int
	}{
		{"16:9", 1024, 576},
		{"1:1", 768, 768},
		{"9:16", 576, 1024},
		{"", 1024, 576},
		{"unknown", 1024, 576},
	}
	for _, tt := range tests {
		w, h := videoDimensions(tt.ar)
		if w != tt.width || h != tt.height {
			t.Errorf("videoDimensions(%q) = (%d,%d), want (%d,%d)", tt.ar, w, h, tt.width, tt.height)
		}
	}
}
