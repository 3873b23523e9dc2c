package packager

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tellyhubcloud/ingestcore/internal/pool"
	"github.com/tellyhubcloud/ingestcore/media"
)

// memUploader captures every Put in memory.
type memUploader struct {
	mu    sync.Mutex
	files map[string][]byte
	order []string
}

func newMemUploader() *memUploader {
	return &memUploader{files: make(map[string][]byte)}
}

func (u *memUploader) Put(relPath string, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	u.files[relPath] = cp
	u.order = append(u.order, relPath)
	return nil
}

func (u *memUploader) get(relPath string) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	b, ok := u.files[relPath]
	return b, ok
}

func videoFrame(t *testing.T, p *pool.Pool, fullTime int64, key bool) *media.Frame {
	t.Helper()
	h, ok := p.Take(4)
	if !ok {
		t.Fatal("payload pool exhausted in test setup")
	}
	copy(h.Bytes(), []byte{0x00, 0x00, 0x00, 0x01})
	return &media.Frame{Kind: media.KindVideo, Payload: h, FullTime: fullTime, KeyFrame: key}
}

func testConfig() Config {
	return Config{
		SegmentSeconds: 2,
		WindowSize:     3,
		Rollover:       100,
		ManifestHLS:    "live.m3u8",
		ManifestDASH:   "live.mpd",
		EnableHLS:      true,
		EnableDASH:     true,
	}
}

func TestSegmenterCutsOnKeyframe(t *testing.T) {
	t.Parallel()

	p := pool.New("video", 64, 16)
	up := newMemUploader()
	s := NewSegmenter(nil, testConfig(), up)

	// Three seconds of 30fps frames, keyframe every second.
	const frameTicks = 3000
	for i := 0; i < 90; i++ {
		f := videoFrame(t, p, int64(i)*frameTicks, i%30 == 0)
		if err := s.Accept(f); err != nil {
			t.Fatalf("Accept: %v", err)
		}
		f.Release()
	}

	// The keyframe at t=2s (frame 60) must have cut the first segment.
	if got := s.SegmentCount(); got != 1 {
		t.Fatalf("segments = %d, want 1", got)
	}
	if _, ok := up.get("video0/video0.ts"); !ok {
		t.Error("expected segment file video0/video0.ts")
	}

	manifest, ok := up.get("live.m3u8")
	if !ok {
		t.Fatal("expected HLS manifest after first cut")
	}
	if !strings.Contains(string(manifest), "video0/video0.ts") {
		t.Errorf("HLS manifest missing segment:\n%s", manifest)
	}
	if strings.Contains(string(manifest), "#EXT-X-DISCONTINUITY") {
		t.Error("no discontinuity expected on a clean stream")
	}

	if _, ok := up.get("live.mpd"); !ok {
		t.Error("expected DASH manifest after first cut")
	}
}

func TestSegmenterDiscontinuity(t *testing.T) {
	t.Parallel()

	p := pool.New("video", 64, 16)
	up := newMemUploader()
	s := NewSegmenter(nil, testConfig(), up)

	const frameTicks = 3000
	for i := 0; i < 30; i++ {
		f := videoFrame(t, p, int64(i)*frameTicks, i == 0)
		if err := s.Accept(f); err != nil {
			t.Fatalf("Accept: %v", err)
		}
		f.Release()
	}

	// Restart: the next frame carries the discontinuity flag and a fresh
	// timeline.
	f := videoFrame(t, p, 0, true)
	f.Discontinuity = true
	if err := s.Accept(f); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.Release()

	for i := 1; i < 30; i++ {
		f := videoFrame(t, p, int64(i)*frameTicks, false)
		if err := s.Accept(f); err != nil {
			t.Fatalf("Accept: %v", err)
		}
		f.Release()
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	manifest, ok := up.get("live.m3u8")
	if !ok {
		t.Fatal("expected HLS manifest")
	}
	if !strings.Contains(string(manifest), "#EXT-X-DISCONTINUITY") {
		t.Errorf("HLS manifest missing discontinuity tag:\n%s", manifest)
	}

	// DASH numbering continues: two segments total, numbered without reset.
	if got := s.SegmentCount(); got != 2 {
		t.Errorf("segments = %d, want 2", got)
	}
}

func TestSegmenterWindowSlides(t *testing.T) {
	t.Parallel()

	p := pool.New("video", 256, 16)
	up := newMemUploader()
	s := NewSegmenter(nil, testConfig(), up)

	// Six segments against a window of three.
	const frameTicks = 3000
	for i := 0; i < 6*60+1; i++ {
		f := videoFrame(t, p, int64(i)*frameTicks, i%60 == 0)
		if err := s.Accept(f); err != nil {
			t.Fatalf("Accept: %v", err)
		}
		f.Release()
	}

	manifest, _ := up.get("live.m3u8")
	text := string(manifest)
	if strings.Contains(text, "video0/video0.ts\n") {
		t.Error("oldest segment should have slid out of the playlist window")
	}
	if !strings.Contains(text, "#EXT-X-MEDIA-SEQUENCE:") {
		t.Error("manifest missing media sequence")
	}
	if strings.Count(text, "#EXTINF") != 3 {
		t.Errorf("playlist entries = %d, want 3:\n%s", strings.Count(text, "#EXTINF"), text)
	}
}

func TestWebDAVUploaderPut(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	u := &WebDAVUploader{BaseURL: srv.URL, Username: "cdn", Password: "secret", Client: srv.Client()}
	if err := u.Put("video0/video5.ts", []byte{0x47, 0x00}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if gotPath != "/video0/video5.ts" {
		t.Errorf("path = %q, want /video0/video5.ts", gotPath)
	}
	if gotAuth == "" {
		t.Error("expected basic auth header")
	}
	if len(gotBody) != 2 || gotBody[0] != 0x47 {
		t.Errorf("body = % X, want 47 00", gotBody)
	}
}

func TestWebDAVUploaderRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	u := &WebDAVUploader{BaseURL: srv.URL, Client: srv.Client()}
	if err := u.Put("live.m3u8", []byte("#EXTM3U")); err == nil {
		t.Error("expected error on 403 response")
	}
}
