package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/aluiziolira/go-wikidump/runstore"
)

// GeneratorCursor is the generator-mode position committed after every batch.
type GeneratorCursor struct {
	// Namespace is the namespace being walked.
	Namespace int `json:"namespace"`
	// Continue is the API continuation for the next batch of that namespace.
	Continue map[string]string `json:"continue,omitempty"`
	// Offset is the dump length once the batch was written.
	Offset int64 `json:"offset"`
	// Pages counts pages written by the session that saved the cursor.
	Pages int `json:"pages"`
	// Finished is set once every namespace has been walked.
	Finished bool `json:"finished,omitempty"`
}

// SaveCursor atomically replaces the cursor file.
func SaveCursor(path string, c GeneratorCursor) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal generator cursor: %w", err)
	}
	return runstore.WriteBytes(path, append(data, '\n'))
}

// LoadCursor reads the cursor file. ok is false when none exists.
func LoadCursor(path string) (c GeneratorCursor, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return GeneratorCursor{}, false, nil
		}
		return GeneratorCursor{}, false, fmt.Errorf("read generator cursor: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return GeneratorCursor{}, false, fmt.Errorf("parse generator cursor: %w", err)
	}
	return c, true, nil
}

// RemoveCursor deletes the cursor file if present.
func RemoveCursor(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove generator cursor: %w", err)
	}
	return nil
}
