package oscilock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
)

// SaveResultNPY writes a debug run's arrays as .npy files under dir, one
// file per array, so they can be inspected offline with numpy. The
// directory is created if needed.
func SaveResultNPY(dir string, result *LockInResult, refs *ReferenceSignals) error {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return err
	}
	arrays := map[string][]float64{
		"time.npy":      result.Time,
		"amplitude.npy": result.Amplitude,
		"phase.npy":     result.Phase,
		"cos_ref.npy":   refs.Cos,
		"sin_ref.npy":   refs.Sin,
	}
	for name, data := range arrays {
		if err := writeNPY(filepath.Join(dir, name), data); err != nil {
			return err
		}
	}
	return nil
}

func writeNPY(filename string, data []float64) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, data); err != nil {
		f.Close()
		return fmt.Errorf("could not write %s: %w", filename, err)
	}
	return f.Close()
}
