// cmd/meter-bus/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sua-org/meter-bus/internal/mqttclient"
	"github.com/sua-org/meter-bus/internal/storage"
	"github.com/sua-org/meter-bus/internal/supervisor"
)

func main() {
	// .env é opcional; em produção a config vem do ambiente do container
	if err := godotenv.Load(); err == nil {
		log.Printf("[main] .env carregado")
	}

	baseTopic := getenv("METERBUS_BASE_TOPIC", "meter-bus/meters")
	baseTopic = strings.TrimSuffix(baseTopic, "/")

	// MinIO é opcional: sem credenciais o meter-bus roda normal, só não
	// publica URL de imagem anotada.
	if os.Getenv("MINIO_ACCESS_KEY") != "" {
		store, err := storage.NewMinioStoreFromEnv()
		if err != nil {
			log.Printf("[main] MinIO indisponível, seguindo sem imagens de resultado: %v", err)
		} else {
			storage.DefaultStore = store
		}
	} else {
		log.Printf("[main] MinIO não configurado, imagens de resultado desabilitadas")
	}

	mqttCli, err := mqttclient.NewClient(mqttclient.Config{
		Host:        getenv("MQTT_HOST", "localhost"),
		Port:        getenvInt("MQTT_PORT", 1883),
		Username:    os.Getenv("MQTT_USERNAME"),
		Password:    os.Getenv("MQTT_PASSWORD"),
		ClientID:    getenv("MQTT_CLIENT_ID", "meter-bus"),
		WillTopic:   baseTopic + "/collector/availability",
		WillPayload: "offline",
	})
	if err != nil {
		log.Fatalf("[main] erro ao conectar no broker MQTT: %v", err)
	}
	defer mqttCli.Close()

	if err := mqttCli.Publish(baseTopic+"/collector/availability", 1, true, []byte("online")); err != nil {
		log.Printf("[main] erro ao publicar availability do coletor: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(mqttCli, baseTopic)
	log.Printf("[main] meter-bus iniciado (base topic: %s)", baseTopic)

	if err := sup.Run(ctx); err != nil {
		log.Fatalf("[main] supervisor terminou com erro: %v", err)
	}

	if err := mqttCli.Publish(baseTopic+"/collector/availability", 1, true, []byte("offline")); err != nil {
		log.Printf("[main] erro ao publicar availability final: %v", err)
	}
	log.Printf("[main] meter-bus encerrado")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x > 0 {
			return x
		}
	}
	return def
}
