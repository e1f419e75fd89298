// internal/supervisor/status.go
package supervisor

import (
	"context"
	"log"
	"time"
)

type meterStatus struct {
	Key          string `json:"key"`
	LastOutcome  string `json:"last_outcome"`
	LastRunAt    string `json:"last_run_at,omitempty"`
	FailureCount int    `json:"failure_count"`
}

type statusPayload struct {
	Timestamp  string        `json:"timestamp"`
	Workers    int           `json:"workers"`
	Meters     []meterStatus `json:"meters"`
	CPUPercent float64       `json:"cpu_percent,omitempty"`
	RSSBytes   uint64        `json:"rss_bytes,omitempty"`
}

// runStatusLoop publica periodicamente a saúde de cada worker no tópico
// /status do medidor e um snapshot agregado do coletor (workers vivos,
// CPU/RSS do processo) em {base}/collector/status. Nada disso é retido:
// status velho não interessa.
func (s *Supervisor) runStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishStatus()
		}
	}
}

func (s *Supervisor) publishStatus() {
	payload := statusPayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	perMeterTopics := make(map[string]meterStatus)

	s.mu.Lock()
	payload.Workers = len(s.workers)
	for key, w := range s.workers {
		ms := meterStatus{
			Key:          key,
			LastOutcome:  w.lastOutcome,
			FailureCount: w.failureCount,
		}
		if !w.lastRunAt.IsZero() {
			ms.LastRunAt = w.lastRunAt.Format(time.RFC3339)
		}
		payload.Meters = append(payload.Meters, ms)
		perMeterTopics[s.meterTopic(w.info)+"/status"] = ms
	}
	s.mu.Unlock()

	for topic, ms := range perMeterTopics {
		if err := s.mqtt.PublishJSON(topic, 0, false, ms); err != nil {
			log.Printf("[supervisor] erro ao publicar status em %s: %v", topic, err)
		}
	}

	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			payload.CPUPercent = cpu
		}
		if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
			payload.RSSBytes = mem.RSS
		}
	}

	topic := s.baseTopic + "/collector/status"
	if err := s.mqtt.PublishJSON(topic, 0, false, payload); err != nil {
		log.Printf("[supervisor] erro ao publicar status: %v", err)
	}
}
