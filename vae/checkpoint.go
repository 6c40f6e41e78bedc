package vae

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/b0tShaman/cryovae/ml"
)

// Checkpoint is everything needed to resume training after Epoch.
type Checkpoint struct {
	Epoch            int
	Encoder          ml.NetworkState
	Decoder          ml.NetworkState
	EncoderOptimizer ml.OptimizerState
	DecoderOptimizer ml.OptimizerState
}

// SaveCheckpoint gob-encodes c through a temp file renamed into place.
func SaveCheckpoint(path string, c *Checkpoint) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	if err = gob.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err = w.Flush(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var c Checkpoint
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return &c, nil
}
