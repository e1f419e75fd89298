// internal/framesource/camera.go
package framesource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sua-org/meter-bus/internal/core"
)

// CameraSource busca um snapshot no endpoint HTTP da câmera
// (ex.: /ISAPI/Streaming/channels/101/picture numa Hikvision).
// Autenticação: Basic na primeira tentativa; se a câmera responder
// 401 com desafio Digest (padrão de fábrica das Hikvision/Dahua),
// refaz a requisição com Authorization Digest.
// Sem retry interno: a camada de retry fica no coordinator.
type CameraSource struct {
	url      string
	username string
	password string
	client   *http.Client
}

func NewCameraSource(url, username, password string) *CameraSource {
	return &CameraSource{
		url:      url,
		username: username,
		password: password,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *CameraSource) AcquireFrame(ctx context.Context) (*core.RawFrame, error) {
	resp, err := s.snapshot(ctx, "")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && s.username != "" {
		challenge := resp.Header.Get("WWW-Authenticate")
		resp.Body.Close()

		digest, derr := parseDigestChallenge(challenge)
		if derr != nil {
			return nil, fmt.Errorf("camera snapshot status 401: %v", derr)
		}
		u, perr := url.Parse(s.url)
		if perr != nil {
			return nil, fmt.Errorf("parse camera url: %w", perr)
		}
		auth := digest.authorization(http.MethodGet, u.RequestURI(), s.username, s.password)
		resp, err = s.snapshot(ctx, auth)
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("camera snapshot status %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("camera returned empty snapshot")
	}

	return &core.RawFrame{
		Data:       data,
		Origin:     core.OriginCamera,
		CapturedAt: time.Now().UTC(),
	}, nil
}

func (s *CameraSource) snapshot(ctx context.Context, authorization string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	} else if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("camera snapshot: %w", err)
	}
	return resp, nil
}
