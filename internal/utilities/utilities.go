package utilities

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Tracer guarda los frames rechazados en un archivo diario dentro de Dir.
// Con Dir vacío no hace nada.
type Tracer struct {
	Dir string

	mu sync.Mutex
}

// Reject appends "HH:MM:SS - <origin> <err> <hex>" to REJECTED_<yyyymmdd>.log.
func (t *Tracer) Reject(origin string, payload []byte, cause error) error {
	if t == nil || t.Dir == "" {
		return nil
	}
	now := time.Now()
	line := fmt.Sprintf("%s - %s %v %s\n", now.Format("15:04:05"), origin, cause, hex.EncodeToString(payload))
	return t.write(t.path(now), line)
}

func (t *Tracer) path(now time.Time) string {
	return filepath.Join(t.Dir, "REJECTED_"+now.Format("20060102")+".log")
}

func (t *Tracer) write(filename, line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Crear carpeta si no existe
	if err := os.MkdirAll(t.Dir, 0755); err != nil {
		return fmt.Errorf("trace dir: %w", err)
	}
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("trace file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("trace write: %w", err)
	}
	return nil
}
