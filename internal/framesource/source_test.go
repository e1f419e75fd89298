package framesource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sua-org/meter-bus/internal/core"
)

func TestForConfigRTSPWinsOverCamera(t *testing.T) {
	cfg := core.CaptureConfig{
		RTSPURL:   "rtsp://cam:554/stream",
		CameraURL: "http://cam/snapshot",
	}
	src, err := ForConfig(cfg)
	if err != nil {
		t.Fatalf("ForConfig failed: %v", err)
	}
	if _, ok := src.(*RTSPSource); !ok {
		t.Fatalf("expected RTSP source when both are configured, got %T", src)
	}
}

func TestForConfigCameraFallback(t *testing.T) {
	cfg := core.CaptureConfig{CameraURL: "http://cam/snapshot"}
	src, err := ForConfig(cfg)
	if err != nil {
		t.Fatalf("ForConfig failed: %v", err)
	}
	if _, ok := src.(*CameraSource); !ok {
		t.Fatalf("expected camera source, got %T", src)
	}
}

func TestForConfigNoSource(t *testing.T) {
	_, err := ForConfig(core.CaptureConfig{})
	if !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
}

func testRTSPSource(run runCommand) *RTSPSource {
	return &RTSPSource{
		url:        "rtsp://cam:554/stream",
		bin:        "ffmpeg",
		timeout:    time.Second,
		maxRetries: 3,
		retryDelay: time.Millisecond,
		run:        run,
	}
}

func TestRTSPCaptureSuccess(t *testing.T) {
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0x01, 0x02}
	var tmpPath string

	src := testRTSPSource(func(_ context.Context, _ string, args ...string) ([]byte, error) {
		tmpPath = args[len(args)-1]
		if err := os.WriteFile(tmpPath, jpeg, 0o644); err != nil {
			t.Fatalf("fake ffmpeg write failed: %v", err)
		}
		return nil, nil
	})

	frame, err := src.AcquireFrame(context.Background())
	if err != nil {
		t.Fatalf("AcquireFrame failed: %v", err)
	}
	if !bytes.Equal(frame.Data, jpeg) {
		t.Error("frame bytes differ from ffmpeg output")
	}
	if frame.Origin != core.OriginRTSP {
		t.Errorf("expected rtsp origin, got %s", frame.Origin)
	}
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("temp file %s not cleaned up after success", tmpPath)
	}
}

func TestRTSPCaptureRetriesThenFails(t *testing.T) {
	attempts := 0
	var tmpPaths []string

	src := testRTSPSource(func(_ context.Context, _ string, args ...string) ([]byte, error) {
		attempts++
		tmpPaths = append(tmpPaths, args[len(args)-1])
		return []byte("connection refused"), errors.New("exit status 1")
	})

	_, err := src.AcquireFrame(context.Background())
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if attempts != 3 {
		t.Errorf("expected 3 internal attempts, got %d", attempts)
	}
	for _, p := range tmpPaths {
		if _, statErr := os.Stat(p); !os.IsNotExist(statErr) {
			t.Errorf("temp file %s not cleaned up after failure", p)
		}
	}
}

func TestRTSPCaptureEmptyOutputIsFailure(t *testing.T) {
	attempts := 0
	src := testRTSPSource(func(_ context.Context, _ string, args ...string) ([]byte, error) {
		attempts++
		// exit 0 mas arquivo vazio: ainda é falha
		return nil, nil
	})

	if _, err := src.AcquireFrame(context.Background()); err == nil {
		t.Fatal("empty output file should be a capture failure")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRTSPCaptureHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := testRTSPSource(func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		cancel()
		return nil, errors.New("killed")
	})

	if _, err := src.AcquireFrame(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCameraSnapshot(t *testing.T) {
	jpeg := []byte{0xff, 0xd8, 0xff, 0xdb, 0x09}
	var gotAuth bool

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, gotAuth = r.BasicAuth()
		w.Write(jpeg)
	}))
	defer ts.Close()

	src := NewCameraSource(ts.URL, "admin", "secret")
	frame, err := src.AcquireFrame(context.Background())
	if err != nil {
		t.Fatalf("AcquireFrame failed: %v", err)
	}
	if !bytes.Equal(frame.Data, jpeg) {
		t.Error("snapshot bytes differ")
	}
	if frame.Origin != core.OriginCamera {
		t.Errorf("expected camera origin, got %s", frame.Origin)
	}
	if !gotAuth {
		t.Error("basic auth credentials not sent")
	}
}

func TestCameraSnapshotDigestFallback(t *testing.T) {
	jpeg := []byte{0xff, 0xd8, 0xff, 0xc0, 0x11}
	const realm, nonce = "cam-realm", "abc123"
	var basicSeen bool

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Digest ") {
			// primeira tentativa: recusa o Basic e manda o desafio
			basicSeen = strings.HasPrefix(auth, "Basic ")
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Digest realm="%s", nonce="%s", qop="auth"`, realm, nonce))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		fields := map[string]string{}
		for _, kv := range digestRx.FindAllStringSubmatch(auth, -1) {
			fields[strings.ToLower(kv[1])] = kv[2]
		}
		ha1 := md5Hex("admin:" + realm + ":secret")
		ha2 := md5Hex("GET:" + r.URL.RequestURI())
		want := md5Hex(strings.Join(
			[]string{ha1, nonce, "00000001", fields["cnonce"], "auth", ha2}, ":"))
		if fields["response"] != want {
			t.Errorf("digest response = %q, want %q", fields["response"], want)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write(jpeg)
	}))
	defer ts.Close()

	src := NewCameraSource(ts.URL, "admin", "secret")
	frame, err := src.AcquireFrame(context.Background())
	if err != nil {
		t.Fatalf("AcquireFrame failed: %v", err)
	}
	if !bytes.Equal(frame.Data, jpeg) {
		t.Error("snapshot bytes differ")
	}
	if !basicSeen {
		t.Error("first attempt should carry basic credentials")
	}
}

func TestCameraSnapshotErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "camera busy", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	src := NewCameraSource(ts.URL, "", "")
	if _, err := src.AcquireFrame(context.Background()); err == nil {
		t.Fatal("expected error on non-200 snapshot response")
	}
}
