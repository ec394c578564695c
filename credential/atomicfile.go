package credential

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
)

// writeAtomic marshals v and writes it to path via tempfile + rename,
// so a concurrent reader never observes a torn file. Mode 0600 is
// applied on POSIX.
func writeAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+"_*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if runtime.GOOS != "windows" {
		_ = os.Chmod(tmpPath, 0o600)
	}
	return os.Rename(tmpPath, path)
}

// readJSON reads and unmarshals path into v. A missing or corrupt file
// is treated as "start empty" rather than an error.
func readJSON(path string, v any) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, v)
}
