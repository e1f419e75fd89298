package detector

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
)

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return u.Hostname(), port
}

func TestDetectSuccess(t *testing.T) {
	frame := []byte{0xff, 0xd8, 0xff, 0xe0}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect/digital" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("request_id"); got != "req-42" {
			t.Errorf("request_id = %q, want req-42", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("missing file field: %v", err)
		}
		defer file.Close()
		if header.Filename != "image.jpg" {
			t.Errorf("filename = %q, want image.jpg", header.Filename)
		}
		if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("file content-type = %q, want image/jpeg", ct)
		}
		data, _ := io.ReadAll(file)
		if len(data) != len(frame) {
			t.Errorf("uploaded %d bytes, want %d", len(data), len(frame))
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true, "detected_number": 1234, "result_image": "aGk="}`))
	}))
	defer ts.Close()

	host, port := splitHostPort(t, ts.URL)
	result, err := New().Detect(context.Background(), host, port, "digital", frame, "req-42")
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if !result.Success {
		t.Error("expected success=true")
	}
	if result.DetectedNumber == nil || *result.DetectedNumber != 1234 {
		t.Errorf("detected_number = %v, want 1234", result.DetectedNumber)
	}
	if result.ResultImage != "aGk=" {
		t.Errorf("result_image = %q", result.ResultImage)
	}
	if len(result.Raw) == 0 {
		t.Error("raw body not preserved")
	}
}

func TestDetectErrorStatusCarriesBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "server error", http.StatusInternalServerError)
	}))
	defer ts.Close()

	host, port := splitHostPort(t, ts.URL)
	_, err := New().Detect(context.Background(), host, port, "gas", []byte{1}, "req-1")
	if err == nil {
		t.Fatal("expected error on HTTP 500")
	}
	if !strings.Contains(err.Error(), "server error") {
		t.Errorf("error should carry the response body, got: %v", err)
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error should carry the status code, got: %v", err)
	}
}

func TestDetectMalformedJSONIsHardFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer ts.Close()

	host, port := splitHostPort(t, ts.URL)
	if _, err := New().Detect(context.Background(), host, port, "digital", []byte{1}, "req-1"); err == nil {
		t.Fatal("expected error on malformed JSON body")
	}
}

func TestDetectEmptyFrameRejected(t *testing.T) {
	if _, err := New().Detect(context.Background(), "localhost", 4000, "digital", nil, "req-1"); err == nil {
		t.Fatal("expected error for empty frame")
	}
}
