// internal/core/types.go
package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MeterType identifica a variante de modelo no servidor de detecção.
// O path do endpoint é derivado daqui: /detect/{meter_type}.
const (
	MeterTypeDigital = "digital"
	MeterTypeGas     = "gas"
	MeterTypePointer = "pointer"
)

// ValidMeterType diz se o tipo é um dos suportados pelo servidor.
// Tipo inválido é erro de configuração (worker recusado), nunca chega
// no client de detecção.
func ValidMeterType(t string) bool {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case MeterTypeDigital, MeterTypeGas, MeterTypePointer:
		return true
	}
	return false
}

// MeterInfo é a configuração de um medidor, recebida no tópico /info.
// Os campos base podem ser sobrescritos campo a campo pelo objeto
// "options" (options vence, igual ao par data/options do config entry).
type MeterInfo struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	MeterType           string `json:"meter_type"`
	CameraURL           string `json:"camera_url,omitempty"`
	CameraUsername      string `json:"camera_username,omitempty"`
	CameraPassword      string `json:"camera_password,omitempty"`
	RTSPURL             string `json:"rtsp_url,omitempty"`
	ScanIntervalMinutes int    `json:"scan_interval_minutes"`
	CropCoordinates     string `json:"crop_coordinates,omitempty"`
	Enabled             bool   `json:"enabled"`

	Options *MeterOptions `json:"options,omitempty"`

	// Enriquecido pelo supervisor a partir do tópico /info
	Tenant  string `json:"tenant,omitempty"`
	Site    string `json:"site,omitempty"`
	MeterID string `json:"meter_id,omitempty"`
}

// MeterOptions são overrides opcionais; ponteiro nil = "não mexe".
type MeterOptions struct {
	Host                *string `json:"host,omitempty"`
	Port                *int    `json:"port,omitempty"`
	CameraURL           *string `json:"camera_url,omitempty"`
	RTSPURL             *string `json:"rtsp_url,omitempty"`
	ScanIntervalMinutes *int    `json:"scan_interval_minutes,omitempty"`
	CropCoordinates     *string `json:"crop_coordinates,omitempty"`
}

// CaptureConfig é o snapshot imutável de configuração usado por um ciclo.
// É remontado no começo de cada ciclo via MeterInfo.Effective(), então
// mudanças de options valem já no ciclo seguinte.
type CaptureConfig struct {
	Host      string
	Port      int
	MeterType string

	// Exatamente um dos dois preenchido; RTSP vence se os dois vierem.
	RTSPURL        string
	CameraURL      string
	CameraUsername string
	CameraPassword string

	Crop         *CropRect
	PollInterval time.Duration
}

// Effective resolve base + options num CaptureConfig.
// Coordenadas de crop inválidas viram "sem crop" e voltam como erro
// não-fatal: o config retornado é utilizável, quem chama só loga warning.
func (m MeterInfo) Effective() (CaptureConfig, error) {
	cfg := CaptureConfig{
		Host:           m.Host,
		Port:           m.Port,
		MeterType:      strings.ToLower(strings.TrimSpace(m.MeterType)),
		RTSPURL:        strings.TrimSpace(m.RTSPURL),
		CameraURL:      strings.TrimSpace(m.CameraURL),
		CameraUsername: m.CameraUsername,
		CameraPassword: m.CameraPassword,
	}
	interval := m.ScanIntervalMinutes
	crop := m.CropCoordinates

	if o := m.Options; o != nil {
		if o.Host != nil {
			cfg.Host = *o.Host
		}
		if o.Port != nil {
			cfg.Port = *o.Port
		}
		if o.CameraURL != nil {
			cfg.CameraURL = strings.TrimSpace(*o.CameraURL)
		}
		if o.RTSPURL != nil {
			cfg.RTSPURL = strings.TrimSpace(*o.RTSPURL)
		}
		if o.ScanIntervalMinutes != nil {
			interval = *o.ScanIntervalMinutes
		}
		if o.CropCoordinates != nil {
			crop = *o.CropCoordinates
		}
	}

	if interval < 0 {
		interval = 0
	}
	cfg.PollInterval = time.Duration(interval) * time.Minute

	// RTSP tem prioridade incondicional sobre a câmera.
	if cfg.RTSPURL != "" {
		cfg.CameraURL = ""
	}

	if crop = strings.TrimSpace(crop); crop != "" {
		rect, err := ParseCropRect(crop)
		if err != nil {
			// melhor-esforço: segue sem crop
			return cfg, fmt.Errorf("crop_coordinates inválidas %q: %w", crop, err)
		}
		cfg.Crop = rect
	}
	return cfg, nil
}

// CropRect é um retângulo em coordenadas fracionárias [0,1], independente
// da resolução da fonte.
type CropRect struct {
	X1, Y1, X2, Y2 float64
}

// ParseCropRect interpreta "x1,y1,x2,y2" (frações 0–1).
func ParseCropRect(s string) (*CropRect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("esperado 4 valores, veio %d", len(parts))
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("valor %d: %w", i+1, err)
		}
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("valor %d fora de [0,1]: %v", i+1, v)
		}
		vals[i] = v
	}
	r := &CropRect{X1: vals[0], Y1: vals[1], X2: vals[2], Y2: vals[3]}
	if r.X2 <= r.X1 || r.Y2 <= r.Y1 {
		return nil, fmt.Errorf("retângulo vazio: (%v,%v)-(%v,%v)", r.X1, r.Y1, r.X2, r.Y2)
	}
	return r, nil
}

// FrameOrigin marca de onde veio o frame (camera | rtsp).
type FrameOrigin string

const (
	OriginCamera FrameOrigin = "camera"
	OriginRTSP   FrameOrigin = "rtsp"
)

// RawFrame é o JPEG cru de um ciclo. Não tem dono fora do ciclo:
// é descartado quando o ciclo termina (bem ou mal).
type RawFrame struct {
	Data       []byte
	Origin     FrameOrigin
	CapturedAt time.Time
}

// DetectionResult é a resposta do servidor de detecção.
// Só vira "last good data" do coordinator se veio com HTTP 200 e
// parseou como JSON; qualquer outra coisa é falha do ciclo inteiro.
type DetectionResult struct {
	Success        bool     `json:"success"`
	DetectedNumber *float64 `json:"detected_number,omitempty"`
	ResultImage    string   `json:"result_image,omitempty"`

	// Corpo bruto, para debug / repasse
	Raw json.RawMessage `json:"-"`
}

// Key identifica unicamente o medidor dentro do supervisor.
func (m MeterInfo) Key() string {
	return fmt.Sprintf("%s|%s|%s", m.Tenant, m.Site, m.MeterID)
}

// Slug gera um identificador estável para discovery / artefatos.
func (m MeterInfo) Slug() string {
	base := fmt.Sprintf("meter_%s_%s_%s", m.Tenant, m.Site, m.MeterID)
	base = strings.ToLower(base)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.ReplaceAll(base, "-", "_")
	return base
}
