package mediastore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CloudinaryUploader is the Uploader implementation this repo ships,
// talking to Cloudinary's upload and admin APIs directly over HTTP. No
// Cloudinary SDK appears anywhere in the example corpus, so this is built
// on net/http and the signing scheme documented by Cloudinary's own API
// (sorted param string + api_secret, SHA-1) rather than a vendored client.
type CloudinaryUploader struct {
	cloudName string
	apiKey    string
	apiSecret string
	client    *http.Client
}

// NewCloudinaryUploader creates an Uploader for one Cloudinary account.
func NewCloudinaryUploader(cloudName, apiKey, apiSecret string) *CloudinaryUploader {
	return &CloudinaryUploader{
		cloudName: cloudName,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (u *CloudinaryUploader) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	raw := strings.Join(parts, "&") + u.apiSecret

	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (u *CloudinaryUploader) upload(ctx context.Context, r io.Reader, name, folder, resourceType, publicID string) (string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	signParams := map[string]string{"timestamp": timestamp, "folder": folder}
	if publicID != "" {
		signParams["public_id"] = publicID
	}
	signature := u.sign(signParams)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fields := map[string]string{
		"api_key":   u.apiKey,
		"timestamp": timestamp,
		"signature": signature,
		"folder":    folder,
	}
	if publicID != "" {
		fields["public_id"] = publicID
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return "", fmt.Errorf("writing cloudinary form field %s: %w", k, err)
		}
	}

	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("creating cloudinary form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("copying upload data: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	url := fmt.Sprintf("https://api.cloudinary.com/v1_1/%s/%s/upload", u.cloudName, resourceType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("building cloudinary upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling cloudinary upload: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		SecureURL string `json:"secure_url"`
		Error     struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding cloudinary upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cloudinary upload failed: %s", result.Error.Message)
	}
	return result.SecureURL, nil
}

// Upload implements Uploader for images.
func (u *CloudinaryUploader) Upload(ctx context.Context, r io.Reader, name, folder string) (string, error) {
	return u.upload(ctx, r, name, folder, "image", "")
}

// UploadVideo implements Uploader for videos.
func (u *CloudinaryUploader) UploadVideo(ctx context.Context, r io.Reader, name, folder, publicID string) (string, error) {
	return u.upload(ctx, r, name, folder, "video", publicID)
}

// Usage implements Uploader by calling Cloudinary's admin usage report.
func (u *CloudinaryUploader) Usage(ctx context.Context) (Usage, error) {
	url := fmt.Sprintf("https://api.cloudinary.com/v1_1/%s/usage", u.cloudName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Usage{}, fmt.Errorf("building cloudinary usage request: %w", err)
	}
	req.SetBasicAuth(u.apiKey, u.apiSecret)

	resp, err := u.client.Do(req)
	if err != nil {
		return Usage{}, fmt.Errorf("calling cloudinary usage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Usage{}, fmt.Errorf("cloudinary usage returned http %d", resp.StatusCode)
	}

	// The usage report nests bandwidth and storage under a top-level
	// "usage" object, each with used/limit/unlimited.
	var report struct {
		Usage struct {
			Bandwidth struct {
				Used      int64 `json:"used"`
				Limit     int64 `json:"limit"`
				Unlimited bool  `json:"unlimited"`
			} `json:"bandwidth"`
			Storage struct {
				Used      int64 `json:"used"`
				Limit     int64 `json:"limit"`
				Unlimited bool  `json:"unlimited"`
			} `json:"storage"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return Usage{}, fmt.Errorf("decoding cloudinary usage response: %w", err)
	}

	return Usage{
		BandwidthUsed:      report.Usage.Bandwidth.Used,
		BandwidthLimit:     report.Usage.Bandwidth.Limit,
		BandwidthUnlimited: report.Usage.Bandwidth.Unlimited,
		StorageUsed:        report.Usage.Storage.Used,
		StorageLimit:       report.Usage.Storage.Limit,
		StorageUnlimited:   report.Usage.Storage.Unlimited,
	}, nil
}
