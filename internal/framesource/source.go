// internal/framesource/source.go
package framesource

import (
	"context"
	"errors"

	"github.com/sua-org/meter-bus/internal/core"
)

// ErrNoSource: nem RTSP nem câmera configurados. É o único erro de
// configuração que esse pacote reporta de forma síncrona — todo o resto
// é falha de aquisição e volta como erro de tentativa.
var ErrNoSource = errors.New("no frame source configured")

// Source obtém um frame JPEG cru para um ciclo.
// Implementações fazem retry interno próprio (ver RTSPSource); o
// coordinator tem o laço de retry dele por cima, e as duas camadas
// compõem.
type Source interface {
	AcquireFrame(ctx context.Context) (*core.RawFrame, error)
}

// ForConfig escolhe a fonte para o ciclo.
// RTSP tem prioridade incondicional sobre a câmera, mesmo que os dois
// estejam preenchidos.
func ForConfig(cfg core.CaptureConfig) (Source, error) {
	if cfg.RTSPURL != "" {
		return NewRTSPSource(cfg.RTSPURL), nil
	}
	if cfg.CameraURL != "" {
		return NewCameraSource(cfg.CameraURL, cfg.CameraUsername, cfg.CameraPassword), nil
	}
	return nil, ErrNoSource
}
