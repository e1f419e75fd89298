// internal/supervisor/supervisor.go
package supervisor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/sua-org/meter-bus/internal/adjust"
	"github.com/sua-org/meter-bus/internal/coordinator"
	"github.com/sua-org/meter-bus/internal/core"
	"github.com/sua-org/meter-bus/internal/detector"
	"github.com/sua-org/meter-bus/internal/storage"
)

// Bus é a fatia do cliente MQTT que o supervisor consome
// (mqttclient.Client satisfaz).
type Bus interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	PublishJSON(topic string, qos byte, retained bool, v interface{}) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
}

// Supervisor gerencia um worker por medidor configurado. A configuração
// chega pelos tópicos /info; cada worker roda o coordinator dele num
// ticker próprio, então nunca há dois ciclos em voo pro mesmo medidor.
type Supervisor struct {
	mqtt      Bus
	baseTopic string

	detector  coordinator.Detector
	adjust    *adjust.Store
	detectDir string

	mu             sync.Mutex
	meters         map[string]core.MeterInfo
	workers        map[string]*meterWorker
	statusInterval time.Duration
	proc           *process.Process // processo do meter-bus, para métricas
}

type meterWorker struct {
	info   core.MeterInfo
	cancel context.CancelFunc

	// atualizado pelo loop do worker, lido pelo status loop
	lastOutcome  string
	lastRunAt    time.Time
	failureCount int
}

func New(mqtt Bus, baseTopic string) *Supervisor {
	baseTopic = strings.TrimSuffix(baseTopic, "/")

	detectDir := os.Getenv("METERBUS_DETECT_DIR")
	if detectDir == "" {
		detectDir = "/var/lib/meter-bus/detect"
	}

	statusInterval := envDurationSeconds("METERBUS_STATUS_INTERVAL_SECONDS", 30*time.Second)
	var procHandle *process.Process
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		procHandle = p
	}

	return &Supervisor{
		mqtt:           mqtt,
		baseTopic:      baseTopic,
		detector:       detector.New(),
		adjust:         adjust.NewStoreFromEnv(),
		detectDir:      detectDir,
		meters:         make(map[string]core.MeterInfo),
		workers:        make(map[string]*meterWorker),
		statusInterval: statusInterval,
		proc:           procHandle,
	}
}

func envDurationSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		log.Printf("[supervisor] valor inválido em %s=%q, usando default %s", key, v, def)
		return def
	}
	return time.Duration(sec) * time.Second
}

// Run assina os tópicos /info e os de comando de baseline/decimal, e
// fica tocando os workers até o contexto acabar.
func (s *Supervisor) Run(ctx context.Context) error {
	infoTopic := fmt.Sprintf("%s/+/+/+/info", s.baseTopic) // base/tenant/site/meter/info
	log.Printf("[supervisor] subscribing to info topic: %s", infoTopic)
	if err := s.mqtt.Subscribe(infoTopic, 1, s.handleInfoMessage); err != nil {
		return fmt.Errorf("subscribe error: %w", err)
	}

	for _, kind := range []string{"baseline", "decimal"} {
		topic := fmt.Sprintf("%s/+/+/+/%s/set", s.baseTopic, kind)
		kind := kind
		if err := s.mqtt.Subscribe(topic, 1, func(t string, payload []byte) {
			s.handleAdjustCommand(kind, t, payload)
		}); err != nil {
			return fmt.Errorf("subscribe %s command error: %w", kind, err)
		}
	}

	if s.statusInterval > 0 {
		go s.runStatusLoop(ctx)
	}

	<-ctx.Done()
	log.Printf("[supervisor] context canceled, stopping all workers")
	s.stopAll()
	return nil
}

// topicMeter extrai tenant/site/meterID de um tópico sob o baseTopic.
// leadingParts é quantos níveis existem depois do id (1 = "/info").
func (s *Supervisor) topicMeter(topic string) (tenant, site, meterID string, rest []string, ok bool) {
	baseParts := strings.Split(s.baseTopic, "/")
	parts := strings.Split(topic, "/")
	if len(parts) < len(baseParts)+4 {
		return "", "", "", nil, false
	}
	offset := len(baseParts)
	return parts[offset], parts[offset+1], parts[offset+2], parts[offset+3:], true
}

func (s *Supervisor) handleInfoMessage(topic string, payload []byte) {
	tenant, site, meterID, _, ok := s.topicMeter(topic)
	if !ok {
		log.Printf("[supervisor] invalid info topic: %s", topic)
		return
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		info := core.MeterInfo{Tenant: tenant, Site: site, MeterID: meterID}
		log.Printf("[supervisor] meter %s removed via tombstone", info.Key())
		s.cleanupMeter(info)
		return
	}

	var info core.MeterInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		log.Printf("[supervisor] invalid JSON on %s: %v", topic, err)
		return
	}
	info.Tenant = tenant
	info.Site = site
	info.MeterID = meterID

	key := info.Key()

	if !info.Enabled {
		log.Printf("[supervisor] meter %s disabled via info topic, stopping worker", key)
		s.cleanupMeter(info)
		return
	}

	// Erros de configuração são recusados aqui, antes de existir worker:
	// tipo de medidor fora do conjunto suportado nunca chega no client
	// de detecção.
	if !core.ValidMeterType(info.MeterType) {
		log.Printf("[supervisor] meter %s: meter_type %q não suportado, ignorando", key, info.MeterType)
		return
	}
	if info.Host == "" || info.Port <= 0 {
		log.Printf("[supervisor] meter %s: host/port do servidor de detecção ausentes, ignorando", key)
		return
	}

	s.upsertMeterInfo(key, info)
	s.startOrUpdateMeter(info)
}

func (s *Supervisor) handleAdjustCommand(kind, topic string, payload []byte) {
	tenant, site, meterID, _, ok := s.topicMeter(topic)
	if !ok {
		log.Printf("[supervisor] invalid %s command topic: %s", kind, topic)
		return
	}
	info := core.MeterInfo{Tenant: tenant, Site: site, MeterID: meterID}

	v, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		log.Printf("[supervisor] %s command payload inválido em %s: %q", kind, topic, payload)
		return
	}

	switch kind {
	case "baseline":
		err = s.adjust.SetBaseline(info.Slug(), v)
	case "decimal":
		err = s.adjust.SetDecimal(info.Slug(), v)
	}
	if err != nil {
		log.Printf("[supervisor] %s rejeitado para %s: %v", kind, info.Key(), err)
		return
	}
	s.publishAdjustStates(info)
}

// publishAdjustStates republica baseline/decimal retidos, pro HA (e
// pro próprio meter-bus num restart) enxergarem o valor atual.
func (s *Supervisor) publishAdjustStates(info core.MeterInfo) {
	vals := s.adjust.Get(info.Slug())
	base := s.meterTopic(info)
	if err := s.mqtt.Publish(base+"/baseline", 1, true, []byte(strconv.Itoa(vals.Baseline))); err != nil {
		log.Printf("[supervisor] erro ao publicar baseline de %s: %v", info.Key(), err)
	}
	if err := s.mqtt.Publish(base+"/decimal", 1, true, []byte(strconv.Itoa(vals.Decimal))); err != nil {
		log.Printf("[supervisor] erro ao publicar decimal de %s: %v", info.Key(), err)
	}
}

func meterInfoEqual(a, b core.MeterInfo) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return bytes.Equal(aj, bj)
}

func (s *Supervisor) startOrUpdateMeter(info core.MeterInfo) {
	key := info.Key()

	s.mu.Lock()
	if w, ok := s.workers[key]; ok {
		if meterInfoEqual(w.info, info) {
			s.mu.Unlock()
			log.Printf("[supervisor] meter %s already running with same config, ignoring update", key)
			return
		}
		log.Printf("[supervisor] meter %s config changed, restarting worker", key)
		w.cancel()
		delete(s.workers, key)
	}

	ctx, cancel := context.WithCancel(context.Background())
	worker := &meterWorker{
		info:        info,
		cancel:      cancel,
		lastOutcome: "pending",
	}
	s.workers[key] = worker
	s.mu.Unlock()

	slot := coordinator.NewArtifactSlot(s.detectDir, info.Slug())
	coord := coordinator.New(key, func() core.MeterInfo { return s.currentInfo(key, info) }, s.detector, slot)

	log.Printf("[supervisor] starting meter worker %s (type=%s)", key, info.MeterType)
	go s.runWorker(ctx, key, info, coord)
}

// currentInfo lê a config viva do medidor; o coordinator chama isso no
// começo de cada ciclo pra remontar o CaptureConfig (options novas
// valem no ciclo seguinte).
func (s *Supervisor) currentInfo(key string, fallback core.MeterInfo) core.MeterInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.meters[key]; ok {
		return info
	}
	return fallback
}

func (s *Supervisor) runWorker(ctx context.Context, key string, info core.MeterInfo, coord *coordinator.Coordinator) {
	if err := s.publishHADiscovery(info); err != nil {
		log.Printf("[supervisor] erro ao publicar discovery para %s: %v", key, err)
	}
	s.publishAdjustStates(info)
	s.publishAvailability(info, true)

	cfg, err := s.currentInfo(key, info).Effective()
	if err != nil {
		log.Printf("[supervisor] %s: %v", key, err)
	}
	if cfg.PollInterval <= 0 {
		// scan_interval 0 = polling desabilitado administrativamente:
		// worker fica de pé (discovery/availability publicados) mas não
		// emite nenhum tick.
		log.Printf("[supervisor] meter %s: polling disabled (scan_interval=0)", key)
		<-ctx.Done()
		return
	}

	// primeiro ciclo imediato, como o first refresh do config entry
	s.runCycleAndPublish(ctx, key, info, coord)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycleAndPublish(ctx, key, info, coord)
		}
	}
}

func (s *Supervisor) runCycleAndPublish(ctx context.Context, key string, info core.MeterInfo, coord *coordinator.Coordinator) {
	outcome := coord.RunCycle(ctx)
	if ctx.Err() != nil {
		// shutdown no meio do ciclo: nada parcial é publicado
		return
	}

	s.mu.Lock()
	if w, ok := s.workers[key]; ok {
		w.lastOutcome = outcome.Kind.String()
		w.lastRunAt = time.Now().UTC()
		w.failureCount = coord.FailureCount()
	}
	s.mu.Unlock()

	switch outcome.Kind {
	case coordinator.OutcomeFresh:
		s.publishReading(ctx, info, coord, outcome.Result)
		s.publishAvailability(info, true)
	case coordinator.OutcomeStale:
		// assinantes ficam com o último dado retido; nada a publicar
		log.Printf("[supervisor] meter %s: ciclo stale (failures=%d), estado exposto não muda",
			key, coord.FailureCount())
	case coordinator.OutcomeFatal:
		log.Printf("[supervisor] meter %s: ciclo fatal: %v", key, outcome.Err)
		s.publishAvailability(info, false)
	}
}

type readingPayload struct {
	Success        bool     `json:"success"`
	DetectedNumber *float64 `json:"detected_number,omitempty"`
	ResultImageURL string   `json:"result_image_url,omitempty"`
	LastUpdate     string   `json:"last_update,omitempty"`
	FailureCount   int      `json:"failure_count"`
}

func (s *Supervisor) publishReading(ctx context.Context, info core.MeterInfo, coord *coordinator.Coordinator, result *core.DetectionResult) {
	payload := readingPayload{
		Success:        result.Success,
		DetectedNumber: result.DetectedNumber,
		FailureCount:   coord.FailureCount(),
	}
	if ts := coord.LastSuccess(); !ts.IsZero() {
		payload.LastUpdate = ts.UTC().Format(time.RFC3339)
	}

	// Imagem anotada vai pro MinIO (se configurado); a entidade de
	// imagem do HA renderiza pela URL.
	if result.ResultImage != "" && storage.DefaultStore != nil {
		img, err := base64.StdEncoding.DecodeString(result.ResultImage)
		if err != nil {
			log.Printf("[supervisor] result_image base64 inválido para %s: %v", info.Key(), err)
		} else {
			objKey := fmt.Sprintf("%s/result.jpg", info.Slug())
			url, err := storage.DefaultStore.SaveResultImage(ctx, objKey, img)
			if err != nil {
				log.Printf("[supervisor] erro ao salvar imagem de resultado de %s: %v", info.Key(), err)
			} else {
				payload.ResultImageURL = url
			}
		}
	}

	topic := s.meterTopic(info) + "/reading"
	if err := s.mqtt.PublishJSON(topic, 1, true, payload); err != nil {
		log.Printf("[supervisor] erro ao publicar leitura em %s: %v", topic, err)
		return
	}
	log.Printf("[supervisor] published reading to %s (success=%t)", topic, result.Success)
}

func (s *Supervisor) publishAvailability(info core.MeterInfo, online bool) {
	payload := "offline"
	if online {
		payload = "online"
	}
	topic := s.meterTopic(info) + "/availability"
	if err := s.mqtt.Publish(topic, 1, true, []byte(payload)); err != nil {
		log.Printf("[supervisor] erro ao publicar availability em %s: %v", topic, err)
	}
}

func (s *Supervisor) meterTopic(info core.MeterInfo) string {
	return fmt.Sprintf("%s/%s/%s/%s", s.baseTopic, info.Tenant, info.Site, info.MeterID)
}

func (s *Supervisor) stopMeter(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[key]
	if !ok {
		return
	}
	log.Printf("[supervisor] stopping meter worker %s", key)
	w.cancel()
	delete(s.workers, key)
}

// stopAll para os workers no shutdown do serviço. Diferente do
// cleanupMeter, não mexe no discovery retido nem nos artefatos: o
// medidor continua existindo, só o coletor está saindo do ar.
func (s *Supervisor) stopAll() {
	s.mu.Lock()
	workers := make(map[string]*meterWorker, len(s.workers))
	for key, w := range s.workers {
		workers[key] = w
	}
	s.workers = make(map[string]*meterWorker)
	s.mu.Unlock()

	for key, w := range workers {
		log.Printf("[supervisor] stopping meter worker %s", key)
		w.cancel()
		s.publishAvailability(w.info, false)
	}
}

func (s *Supervisor) cleanupMeter(info core.MeterInfo) {
	key := info.Key()
	s.stopMeter(key)
	s.removeMeterInfo(key)
	s.removeHADiscovery(info)
	s.publishAvailability(info, false)

	// slot de artefatos não fica órfão no disco
	slot := coordinator.NewArtifactSlot(s.detectDir, info.Slug())
	if err := slot.Clean(); err != nil {
		log.Printf("[supervisor] erro ao limpar artefatos de %s: %v", key, err)
	}
}

func (s *Supervisor) upsertMeterInfo(key string, info core.MeterInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meters[key] = info
}

func (s *Supervisor) removeMeterInfo(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.meters, key)
}
