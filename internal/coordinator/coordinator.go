// internal/coordinator/coordinator.go
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/sua-org/meter-bus/internal/core"
	"github.com/sua-org/meter-bus/internal/framesource"
	"github.com/sua-org/meter-bus/internal/preprocess"
)

const (
	// Tentativas de aquisição por ciclo (laço do coordinator, por cima
	// dos retries internos da fonte RTSP — as camadas compõem).
	maxRetryAttempts = 5
	retryDelay       = 2 * time.Second

	// Ciclos não-Fresh consecutivos até o medidor virar indisponível.
	failureThreshold = 5
)

// ErrTooManyFailures marca o ciclo Fatal: o contador cumulativo de
// falhas atingiu o limite e o estado exposto deve virar indisponível.
var ErrTooManyFailures = errors.New("too many consecutive failures")

// Detector é o que o coordinator precisa do client de detecção.
type Detector interface {
	Detect(ctx context.Context, host string, port int, meterType string, frame []byte, requestID string) (*core.DetectionResult, error)
}

// SourceFactory monta a fonte de frame do ciclo a partir do config
// recém-resolvido (a escolha RTSP vs câmera acontece aqui dentro).
type SourceFactory func(cfg core.CaptureConfig) (framesource.Source, error)

// OutcomeKind é o resultado de um ciclo: exatamente um por ciclo.
type OutcomeKind int

const (
	// OutcomeFresh: ciclo completo, DetectionResult novo.
	OutcomeFresh OutcomeKind = iota
	// OutcomeStale: ciclo falhou mas abaixo do limite; assinantes ficam
	// com o último dado bom em vez de ver o sensor sumir.
	OutcomeStale
	// OutcomeFatal: limite de falhas atingido (ou erro de configuração);
	// o estado exposto deve ser marcado como indisponível.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeFresh:
		return "fresh"
	case OutcomeStale:
		return "stale"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

type Outcome struct {
	Kind   OutcomeKind
	Result *core.DetectionResult // Fresh: o novo; Stale: o anterior (pode ser nil)
	Err    error                 // preenchido em Fatal
}

// Coordinator roda o ciclo de atualização de UM medidor:
// limpa artefatos -> adquire frame (com retry) -> recorta -> detecta ->
// decide Fresh/Stale/Fatal. Ciclos nunca se sobrepõem (o worker do
// supervisor serializa), então o estado mutável aqui não precisa de lock.
type Coordinator struct {
	meterKey string
	info     func() core.MeterInfo
	sources  SourceFactory
	detector Detector
	slot     *ArtifactSlot

	maxAttempts int
	retryDelay  time.Duration
	threshold   int

	failedAttempts int
	data           *core.DetectionResult
	lastSuccess    time.Time
}

// New monta um coordinator para um medidor. info é re-consultado no
// começo de cada ciclo para o config refletir options novas.
func New(meterKey string, info func() core.MeterInfo, det Detector, slot *ArtifactSlot) *Coordinator {
	return &Coordinator{
		meterKey:    meterKey,
		info:        info,
		sources:     framesource.ForConfig,
		detector:    det,
		slot:        slot,
		maxAttempts: maxRetryAttempts,
		retryDelay:  retryDelay,
		threshold:   failureThreshold,
	}
}

// Data devolve o último DetectionResult bom (pode ser nil).
func (c *Coordinator) Data() *core.DetectionResult { return c.data }

// LastSuccess devolve o horário do último ciclo com success=true.
func (c *Coordinator) LastSuccess() time.Time { return c.lastSuccess }

// FailureCount devolve o contador cumulativo de ciclos não-Fresh.
func (c *Coordinator) FailureCount() int { return c.failedAttempts }

// RunCycle executa um ciclo completo. Nenhum erro de camada inferior
// escapa cru: tudo vira Fresh, Stale ou Fatal.
func (c *Coordinator) RunCycle(ctx context.Context) Outcome {
	cfg, err := c.info().Effective()
	if err != nil {
		// crop inválido é o único erro não-fatal do Effective
		log.Printf("[coordinator %s] %v", c.meterKey, err)
	}

	// 1. CleaningArtifacts: slot fixo, sem crescimento de artefatos
	if err := c.slot.Clean(); err != nil {
		log.Printf("[coordinator %s] erro ao limpar artefatos: %v", c.meterKey, err)
		return c.fail(fmt.Errorf("clean artifacts: %w", err))
	}

	src, err := c.sources(cfg)
	if err != nil {
		// Erro de configuração: fatal imediato, sem retry e sem contar
		// no limiar de falhas transitórias.
		return Outcome{Kind: OutcomeFatal, Err: fmt.Errorf("frame source: %w", err)}
	}

	// 2. AcquiringFrame: até maxAttempts tentativas com delay fixo
	var frame *core.RawFrame
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		frame, err = src.AcquireFrame(ctx)
		if err == nil && frame != nil && len(frame.Data) > 0 {
			// sucesso de aquisição perdoa falhas anteriores já aqui,
			// antes mesmo da detecção rodar
			c.failedAttempts = 0
			break
		}
		frame = nil
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeFatal, Err: ctx.Err()}
		}
		log.Printf("[coordinator %s] falha ao capturar frame, tentativa %d de %d: %v",
			c.meterKey, attempt, c.maxAttempts, err)
		if attempt < c.maxAttempts {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return Outcome{Kind: OutcomeFatal, Err: ctx.Err()}
			}
		}
	}
	if frame == nil {
		return c.fail(errors.New("failed to take camera snapshot after multiple attempts"))
	}

	if err := c.slot.SaveRaw(frame.Data); err != nil {
		// artefato é saída informativa; não derruba o ciclo
		log.Printf("[coordinator %s] erro ao salvar frame cru: %v", c.meterKey, err)
	}

	// 3. Preprocessing: melhor-esforço, não falha o ciclo
	send := preprocess.Crop(frame.Data, cfg.Crop)
	if cfg.Crop != nil && !bytes.Equal(send, frame.Data) {
		if err := c.slot.SaveCropped(send); err != nil {
			log.Printf("[coordinator %s] erro ao salvar frame recortado: %v", c.meterKey, err)
		}
	}

	// 4. Detecting: uma chamada, sem retry
	requestID := uuid.NewString()
	result, err := c.detector.Detect(ctx, cfg.Host, cfg.Port, cfg.MeterType, send, requestID)
	if err != nil {
		log.Printf("[coordinator %s] detecção falhou (request_id=%s): %v", c.meterKey, requestID, err)
		return c.fail(fmt.Errorf("detect: %w", err))
	}

	c.failedAttempts = 0
	c.data = result
	if result.Success {
		c.lastSuccess = time.Now()
	}
	return Outcome{Kind: OutcomeFresh, Result: result}
}

// fail aplica a decisão stale-ou-fatal: exatamente um incremento por
// ciclo não-Fresh; no limiar, o ciclo sobe como Fatal para o scheduler
// marcar o medidor como indisponível.
func (c *Coordinator) fail(cause error) Outcome {
	c.failedAttempts++
	if c.failedAttempts >= c.threshold {
		return Outcome{
			Kind: OutcomeFatal,
			Err:  fmt.Errorf("%w (failures=%d): %v", ErrTooManyFailures, c.failedAttempts, cause),
		}
	}
	log.Printf("[coordinator %s] ciclo falhou (%d de %d até indisponível), mantendo último dado: %v",
		c.meterKey, c.failedAttempts, c.threshold, cause)
	return Outcome{Kind: OutcomeStale, Result: c.data}
}
