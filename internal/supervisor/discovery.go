// internal/supervisor/discovery.go
package supervisor

import (
	"fmt"
	"log"

	"github.com/sua-org/meter-bus/internal/adjust"
	"github.com/sua-org/meter-bus/internal/core"
)

const haDiscoveryPrefix = "homeassistant"

// publishHADiscovery anuncia as entidades do medidor pro Home Assistant:
// sensor com o número detectado, imagem anotada, e dois number para
// baseline/decimal (os ajustes voltam pelos tópicos .../set).
func (s *Supervisor) publishHADiscovery(info core.MeterInfo) error {
	base := s.meterTopic(info)
	slug := info.Slug()

	device := map[string]interface{}{
		"identifiers":  []string{slug},
		"name":         fmt.Sprintf("Meter %s/%s/%s", info.Tenant, info.Site, info.MeterID),
		"manufacturer": "meter-bus",
		"model":        info.MeterType,
	}

	availability := []map[string]interface{}{
		{"topic": base + "/availability"},
	}

	entities := []struct {
		component string
		objectID  string
		payload   map[string]interface{}
	}{
		{
			component: "sensor",
			objectID:  slug + "_reading",
			payload: map[string]interface{}{
				"name":                  "Reading",
				"unique_id":             slug + "_reading",
				"state_topic":           base + "/reading",
				"value_template":        "{{ value_json.detected_number }}",
				"json_attributes_topic": base + "/reading",
				"state_class":           "total_increasing",
				"icon":                  "mdi:counter",
				"availability":          availability,
				"device":                device,
			},
		},
		{
			component: "image",
			objectID:  slug + "_result_image",
			payload: map[string]interface{}{
				"name":         "Result Image",
				"unique_id":    slug + "_result_image",
				"url_topic":    base + "/reading",
				"url_template": "{{ value_json.result_image_url }}",
				"content_type": "image/jpeg",
				"availability": availability,
				"device":       device,
			},
		},
		{
			component: "number",
			objectID:  slug + "_baseline",
			payload: map[string]interface{}{
				"name":          "Baseline",
				"unique_id":     slug + "_baseline",
				"state_topic":   base + "/baseline",
				"command_topic": base + "/baseline/set",
				"min":           adjust.BaselineMin,
				"max":           adjust.BaselineMax,
				"step":          1,
				"mode":          "box",
				"icon":          "mdi:counter",
				"device":        device,
			},
		},
		{
			component: "number",
			objectID:  slug + "_decimal",
			payload: map[string]interface{}{
				"name":          "Decimal Places",
				"unique_id":     slug + "_decimal",
				"state_topic":   base + "/decimal",
				"command_topic": base + "/decimal/set",
				"min":           adjust.DecimalMin,
				"max":           adjust.DecimalMax,
				"step":          1,
				"mode":          "slider",
				"icon":          "mdi:decimal",
				"device":        device,
			},
		},
	}

	for _, e := range entities {
		topic := fmt.Sprintf("%s/%s/%s/config", haDiscoveryPrefix, e.component, e.objectID)
		if err := s.mqtt.PublishJSON(topic, 1, true, e.payload); err != nil {
			return fmt.Errorf("publish discovery %s: %w", topic, err)
		}
	}

	log.Printf("[supervisor] published HA discovery for %s (%d entities)", info.Key(), len(entities))
	return nil
}

// removeHADiscovery apaga os configs retidos (payload vazio = remoção).
func (s *Supervisor) removeHADiscovery(info core.MeterInfo) {
	slug := info.Slug()
	for _, e := range []struct{ component, objectID string }{
		{"sensor", slug + "_reading"},
		{"image", slug + "_result_image"},
		{"number", slug + "_baseline"},
		{"number", slug + "_decimal"},
	} {
		topic := fmt.Sprintf("%s/%s/%s/config", haDiscoveryPrefix, e.component, e.objectID)
		if err := s.mqtt.Publish(topic, 1, true, nil); err != nil {
			log.Printf("[supervisor] erro ao remover discovery %s: %v", topic, err)
		}
	}
}
