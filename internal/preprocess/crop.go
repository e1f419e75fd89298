// internal/preprocess/crop.go
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"math"

	"github.com/sua-org/meter-bus/internal/core"
)

const jpegQuality = 90

// Crop recorta o frame para o retângulo fracionário, se houver.
// É melhor-esforço por contrato: qualquer falha de decode/encode devolve
// o frame original intacto e só loga. Nunca derruba o ciclo e nunca
// modifica o buffer de entrada.
func Crop(frame []byte, rect *core.CropRect) []byte {
	if rect == nil {
		return frame
	}
	cropped, err := crop(frame, rect)
	if err != nil {
		log.Printf("[preprocess] erro ao recortar imagem, usando frame original: %v", err)
		return frame
	}
	return cropped
}

func crop(frame []byte, rect *core.CropRect) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}

	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	// Fração -> pixel com arredondamento, independente da resolução
	box := image.Rect(
		int(math.Round(rect.X1*float64(w))),
		int(math.Round(rect.Y1*float64(h))),
		int(math.Round(rect.X2*float64(w))),
		int(math.Round(rect.Y2*float64(h))),
	).Add(bounds.Min)

	box = box.Intersect(bounds)
	if box.Empty() {
		return nil, fmt.Errorf("crop box vazio para %dx%d", w, h)
	}

	sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	})
	if !ok {
		return nil, fmt.Errorf("imagem %T não suporta subimage", img)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, sub.SubImage(box), &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
