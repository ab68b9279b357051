package lease

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileBackend stores each token as an exclusively created file holding the
// owner id. The file modification time is the token age.
type FileBackend struct{}

func (FileBackend) Create(name, owner string) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("ensure lock directory: %w", err)
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrHeld
		}
		return err
	}
	_, werr := fmt.Fprintf(f, "%s\n%d\n%s\n", owner, os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	cerr := f.Close()
	if werr != nil {
		_ = os.Remove(name)
		return werr
	}
	if cerr != nil {
		_ = os.Remove(name)
		return cerr
	}
	return nil
}

func (FileBackend) Stat(name string) (Token, error) {
	info, err := os.Stat(name)
	if err != nil {
		return Token{}, err
	}
	tok := Token{Modified: info.ModTime()}
	// A partially written token still counts by age; the owner is best effort.
	if data, err := os.ReadFile(name); err == nil {
		if line, _, _ := strings.Cut(string(data), "\n"); line != "" {
			tok.Owner = strings.TrimSpace(line)
		}
	}
	return tok, nil
}

func (FileBackend) Remove(name string) error {
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
