// internal/framesource/rtsp.go
package framesource

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sua-org/meter-bus/internal/core"
)

const (
	defaultFFmpegBin   = "ffmpeg"
	defaultRTSPTimeout = 10 * time.Second
	defaultRTSPRetries = 3
	defaultRetryDelay  = 1 * time.Second
)

// runCommand executa o binário e devolve stdout+stderr combinados.
// Injetável para os testes não dependerem de ffmpeg instalado.
type runCommand func(ctx context.Context, bin string, args ...string) ([]byte, error)

func execRun(ctx context.Context, bin string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, bin, args...).CombinedOutput()
}

// RTSPSource captura exatamente um frame JPEG de um stream RTSP
// invocando ffmpeg. Cada AcquireFrame faz até maxRetries tentativas
// internas; o arquivo temporário de saída é removido em todos os
// caminhos de saída.
type RTSPSource struct {
	url        string
	bin        string
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	run        runCommand
}

func NewRTSPSource(url string) *RTSPSource {
	return &RTSPSource{
		url:        url,
		bin:        getenv("METERBUS_FFMPEG_BIN", defaultFFmpegBin),
		timeout:    envDurationSeconds("METERBUS_RTSP_TIMEOUT_SECONDS", defaultRTSPTimeout),
		maxRetries: defaultRTSPRetries,
		retryDelay: defaultRetryDelay,
		run:        execRun,
	}
}

func (s *RTSPSource) AcquireFrame(ctx context.Context) (*core.RawFrame, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		data, err := s.captureOnce(ctx)
		if err == nil {
			log.Printf("[rtsp] frame capturado de %s (tentativa %d)", s.url, attempt)
			return &core.RawFrame{
				Data:       data,
				Origin:     core.OriginRTSP,
				CapturedAt: time.Now().UTC(),
			}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("[rtsp] falha na captura (tentativa %d de %d): %v", attempt, s.maxRetries, err)
		if attempt < s.maxRetries {
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("rtsp capture failed after %d attempts: %w", s.maxRetries, lastErr)
}

// captureOnce roda o ffmpeg uma vez pedindo um único frame em JPEG de
// alta qualidade, com transporte TCP, escrevendo num temporário privado.
// Sucesso = exit 0 e arquivo de saída não-vazio.
func (s *RTSPSource) captureOnce(ctx context.Context) (_ []byte, err error) {
	tmp, err := os.CreateTemp("", "meter-bus-*.jpg")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := []string{
		"-y",
		"-rtsp_transport", "tcp",
		"-i", s.url,
		"-frames:v", "1",
		"-q:v", "2",
		"-f", "image2",
		tmpPath,
	}
	out, err := s.run(runCtx, s.bin, args...)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("ffmpeg timeout after %s", s.timeout)
		}
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, truncate(string(out), 300))
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("read captured frame: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("ffmpeg produced empty output file")
	}
	return data, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDurationSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		log.Printf("[rtsp] valor inválido em %s=%q, usando default %s", key, v, def)
		return def
	}
	return time.Duration(sec) * time.Second
}
