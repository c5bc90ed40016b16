// Package dispatcher is the job dispatcher: classification, per-variant
// request construction, the retrying inference client, and the worker loop
// that claims pending jobs, dispatches them, rotates endpoints on terminal
// failure, and sweeps jobs stuck running past their deadline.
package dispatcher

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wisbric/forge/pkg/job"
)

// Variant is the classification a job falls into.
type Variant string

const (
	ImageT2I Variant = "image_t2i"
	ImageI2I Variant = "image_i2i" // qwen image-to-image
	VideoT2V Variant = "video_t2v"
	VideoI2V Variant = "video_i2v"
)

// videoModelSubstrings mark a model name as a video model even when the
// job's declared job_type says otherwise.
var videoModelSubstrings = []string{
	"ltx-video-13b", "ltx-video", "wan22-animate-14b", "wan2.2", "wan",
}

// Classify decides a job's variant from its declared type, model name, and
// input image. It never touches the network or the store.
func Classify(j job.Job) Variant {
	lowerModel := strings.ToLower(j.Model)

	isVideo := string(j.JobType) == "video"
	if !isVideo {
		for _, sub := range videoModelSubstrings {
			if strings.Contains(lowerModel, sub) {
				isVideo = true
				break
			}
		}
	}

	if isVideo {
		if j.InputImageURL() != "" {
			return VideoI2V
		}
		return VideoT2V
	}

	if strings.Contains(lowerModel, "qwen") {
		return ImageI2I
	}
	return ImageT2I
}

// Request is a dispatch payload ready to serialize for the active endpoint.
type Request interface {
	Encode() ([]byte, error)
}

// ImageRequest is the image-generation request body. The qwen fields are
// populated only for qwen image-edit jobs.
type ImageRequest struct {
	Prompt          string  `json:"prompt"`
	AspectRatio     string  `json:"aspect_ratio"`
	Model           string  `json:"model"`
	NegativePrompt  string  `json:"negative_prompt,omitempty"`
	InputImageURL   string  `json:"input_image_url,omitempty"`
	Steps           int     `json:"steps,omitempty"`
	CFG             float64 `json:"cfg,omitempty"`
	IsQwen          bool    `json:"is_qwen,omitempty"`
	QwenModel       string  `json:"qwen_model,omitempty"`
	QwenVAE         string  `json:"qwen_vae,omitempty"`
	QwenTextEncoder string  `json:"qwen_text_encoder,omitempty"`
}

// Encode marshals the request as JSON.
func (r ImageRequest) Encode() ([]byte, error) { return json.Marshal(r) }

// VideoRequest is the video-generation request body. Model carries the
// weights filename selected by the workflow direction, not the model name
// the job declared.
type VideoRequest struct {
	Type          string `json:"type"`
	Prompt        string `json:"prompt"`
	Model         string `json:"model"`
	WorkflowType  string `json:"workflow_type"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Duration      int    `json:"duration"`
	FPS           int    `json:"fps"`
	InputImageURL string `json:"input_image_url,omitempty"`
}

// Encode marshals the request as JSON.
func (r VideoRequest) Encode() ([]byte, error) { return json.Marshal(r) }

// BuildRequest builds the per-variant request payload for j.
func BuildRequest(j job.Job) (Request, Variant, error) {
	variant := Classify(j)

	switch variant {
	case ImageT2I:
		return ImageRequest{
			Prompt:         j.Prompt,
			AspectRatio:    j.AspectRatio,
			Model:          j.Model,
			NegativePrompt: j.NegativePrompt,
		}, variant, nil

	case ImageI2I:
		imgURL := j.InputImageURL()
		if imgURL == "" {
			return nil, variant, fmt.Errorf("qwen image job %s missing metadata.input_image_url", j.JobID)
		}
		return ImageRequest{
			Prompt:          j.Prompt,
			AspectRatio:     j.AspectRatio,
			Model:           j.Model,
			NegativePrompt:  j.NegativePrompt,
			InputImageURL:   imgURL,
			Steps:           qwenSteps,
			CFG:             qwenCFG,
			IsQwen:          true,
			QwenModel:       qwenModelFile,
			QwenVAE:         qwenVAEFile,
			QwenTextEncoder: qwenTextEncoderFile,
		}, variant, nil

	case VideoT2V, VideoI2V:
		width, height := videoDimensions(j.AspectRatio)
		duration := 5
		if j.DurationSeconds != nil {
			duration = *j.DurationSeconds
		}

		req := VideoRequest{
			Type:     "video",
			Prompt:   j.Prompt,
			Model:    videoWeightsFile(variant == VideoI2V),
			Width:    width,
			Height:   height,
			Duration: duration,
			FPS:      25,
		}
		if variant == VideoI2V {
			req.WorkflowType = "image-to-video"
			req.InputImageURL = j.InputImageURL()
		} else {
			req.WorkflowType = "text-to-video"
		}
		return req, variant, nil
	}

	return nil, variant, fmt.Errorf("unhandled variant %q", variant)
}

// videoDimensions maps aspect_ratio to output (width, height).
func videoDimensions(aspectRatio string) (width, height int) {
	switch aspectRatio {
	case "1:1":
		return 768, 768
	case "9:16":
		return 576, 1024
	case "16:9":
		return 1024, 576
	default:
		return 1024, 576
	}
}

// Weights filenames the inference endpoint accepts. The video pair is
// selected by workflow direction alone, overriding whatever model name the
// job declared; the qwen set rides along on every qwen image-edit request.
const (
	videoI2VWeightsFile = "wan2.2_i2v_high_noise_14B_fp16.safetensors"
	videoT2VWeightsFile = "wan2.2_t2v_high_noise_14B_fp8_scaled.safetensors"

	qwenModelFile       = "qwen_image_edit_fp8_e4m3fn.safetensors"
	qwenVAEFile         = "qwen_image_vae.safetensors"
	qwenTextEncoderFile = "qwen_2.5_vl_7b_fp8_scaled.safetensors"

	qwenSteps = 20
	qwenCFG   = 2.5
)

// videoWeightsFile picks the weights file for a video job's workflow
// direction.
func videoWeightsFile(imageToVideo bool) string {
	if imageToVideo {
		return videoI2VWeightsFile
	}
	return videoT2VWeightsFile
}
