package mediastore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakeUploader struct {
	usage      Usage
	usageErr   error
	uploadErr  error
	uploadURL  string
	uploadCall int
}

func (f *fakeUploader) Upload(_ context.Context, r io.Reader, _, _ string) (string, error) {
	f.uploadCall++
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	_, _ = io.ReadAll(r)
	return f.uploadURL, nil
}

func (f *fakeUploader) UploadVideo(_ context.Context, r io.Reader, _, _, _ string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	_, _ = io.ReadAll(r)
	return f.uploadURL, nil
}

func (f *fakeUploader) Usage(context.Context) (Usage, error) {
	return f.usage, f.usageErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSelectBestSkipsOverThresholdAccount(t *testing.T) {
	over := &fakeUploader{usage: Usage{BandwidthUsed: overBandwidth, BandwidthLimit: overBandwidth}}
	under := &fakeUploader{usage: Usage{BandwidthUsed: 0, BandwidthLimit: overBandwidth}}

	r := NewRotator([]*Account{
		{Name: "a", Uploader: over},
		{Name: "b", Uploader: under},
	}, testLogger())

	best := r.SelectBest(context.Background())
	if best.Name != "b" {
		t.Fatalf("expected rotator to pick account b, got %s", best.Name)
	}
}

func TestSelectBestAtExactThresholdRotates(t *testing.T) {
	at := &fakeUploader{usage: Usage{BandwidthUsed: overBandwidth, BandwidthLimit: overBandwidth * 2}}
	under := &fakeUploader{usage: Usage{BandwidthUsed: 0, BandwidthLimit: overBandwidth * 2}}

	r := NewRotator([]*Account{
		{Name: "a", Uploader: at},
		{Name: "b", Uploader: under},
	}, testLogger())

	best := r.SelectBest(context.Background())
	if best.Name != "b" {
		t.Fatalf("exactly-20GiB usage should be treated as over threshold and rotate, got %s", best.Name)
	}
}

func TestSelectBestFallsBackWhenPoolExhausted(t *testing.T) {
	over := &fakeUploader{usage: Usage{BandwidthUsed: overBandwidth, BandwidthLimit: overBandwidth}}
	r := NewRotator([]*Account{
		{Name: "a", Uploader: over},
		{Name: "b", Uploader: over},
	}, testLogger())

	best := r.SelectBest(context.Background())
	if best.Name != "a" {
		t.Fatalf("expected fallback to current account a, got %s", best.Name)
	}
}

func TestUploadRotatesOnQuotaError(t *testing.T) {
	a := &fakeUploader{uploadErr: errors.New("storage quota exceeded")}
	b := &fakeUploader{uploadURL: "https://cdn/ai/job123.png"}

	r := NewRotator([]*Account{
		{Name: "a", Uploader: a},
		{Name: "b", Uploader: b},
	}, testLogger())

	url, account, err := r.Upload(context.Background(), []byte("png-bytes"), "job123", "ai")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if url != "https://cdn/ai/job123.png" || account != "b" {
		t.Fatalf("expected upload to succeed on account b, got url=%q account=%q", url, account)
	}
}

func TestUploadFailsAfterPoolExhausted(t *testing.T) {
	a := &fakeUploader{uploadErr: errors.New("storage quota exceeded")}
	b := &fakeUploader{uploadErr: errors.New("bandwidth exceeded")}

	r := NewRotator([]*Account{
		{Name: "a", Uploader: a},
		{Name: "b", Uploader: b},
	}, testLogger())

	_, _, err := r.Upload(context.Background(), []byte("x"), "job", "ai")
	if err == nil {
		t.Fatalf("expected error after exhausting both accounts")
	}
}

func TestIsRotatable(t *testing.T) {
	tests := []struct {
		err  string
		want bool
	}{
		{"storage quota exceeded", true},
		{"bandwidth limit reached", true},
		{"connection reset by peer", false},
	}
	for _, tt := range tests {
		if got := IsRotatable(tt.err); got != tt.want {
			t.Errorf("IsRotatable(%q) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
