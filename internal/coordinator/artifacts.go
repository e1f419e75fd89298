// internal/coordinator/artifacts.go
package coordinator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ArtifactSlot é o "slot" fixo de imagens de um medidor no filesystem:
// <dir>/<slug>.jpg e <dir>/<slug>_cropped.jpg. O slot é sobrescrito a
// cada ciclo e limpo no começo do ciclo seguinte, então o disco nunca
// acumula mais que um par de imagens por medidor.
type ArtifactSlot struct {
	dir  string
	slug string
}

func NewArtifactSlot(dir, slug string) *ArtifactSlot {
	return &ArtifactSlot{dir: dir, slug: slug}
}

func (a *ArtifactSlot) RawPath() string {
	return filepath.Join(a.dir, a.slug+".jpg")
}

func (a *ArtifactSlot) CroppedPath() string {
	return filepath.Join(a.dir, a.slug+"_cropped.jpg")
}

// Clean remove os dois artefatos do ciclo anterior. Arquivo que já não
// existe não é erro — limpar duas vezes seguidas é idempotente.
func (a *ArtifactSlot) Clean() error {
	for _, p := range []string{a.RawPath(), a.CroppedPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove artifact %s: %w", p, err)
		}
	}
	return nil
}

func (a *ArtifactSlot) SaveRaw(data []byte) error {
	return a.save(a.RawPath(), data)
}

func (a *ArtifactSlot) SaveCropped(data []byte) error {
	return a.save(a.CroppedPath(), data)
}

func (a *ArtifactSlot) save(path string, data []byte) error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", path, err)
	}
	return nil
}
