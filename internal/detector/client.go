// internal/detector/client.go
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/sua-org/meter-bus/internal/core"
)

// Client fala com o servidor de detecção de medidores.
//
// Protocolo: POST http://{host}:{port}/detect/{meter_type}
//   - form-data: file = JPEG (filename image.jpg, image/jpeg)
//   - form-data: request_id = correlação/idempotência do lado do servidor
//
// Qualquer status != 200 ou corpo que não parseia como JSON é falha dura
// do ciclo. Sem retry aqui dentro: retry é assunto do coordinator.
type Client struct {
	HTTP *http.Client
}

func New() *Client {
	return &Client{
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Detect(ctx context.Context, host string, port int, meterType string, frame []byte, requestID string) (*core.DetectionResult, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	// CreateFormFile fixaria octet-stream; o servidor espera image/jpeg
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	header.Set("Content-Type", "image/jpeg")
	fw, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(frame); err != nil {
		return nil, fmt.Errorf("write frame bytes: %w", err)
	}
	if err := writer.WriteField("request_id", requestID); err != nil {
		return nil, fmt.Errorf("write request_id field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/detect/%s", host, port, meterType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call detect: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read detect response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detect server status %d: %s", resp.StatusCode, string(body))
	}

	var result core.DetectionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse detect response: %w (body=%s)", err, string(body))
	}
	result.Raw = body
	return &result, nil
}
