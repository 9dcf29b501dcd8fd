// Package trust maintains the trusted-peer device allowlist. The list is a
// plain text file, one device ID per line, reloaded automatically when the
// file changes so operators can rotate peers without a restart. A nil
// *Allowlist admits every device, which is the default posture for closed
// meshes.
package trust

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Allowlist is a hot-reloading set of trusted device IDs.
type Allowlist struct {
	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	devices map[string]struct{}
}

// Open loads the allowlist file and starts watching it for changes. Lines
// are device IDs; blank lines and lines starting with '#' are ignored.
func Open(path string, logger *slog.Logger) (*Allowlist, error) {
	if path == "" {
		return nil, fmt.Errorf("allowlist path required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Allowlist{path: path, log: logger}
	if err := a.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch allowlist: %w", err)
	}
	// Watch the directory, not the file: editors and config rollouts
	// typically replace the file, which breaks a direct file watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch allowlist dir: %w", err)
	}
	a.watcher = w
	go a.watch()
	return a, nil
}

// Allowed reports whether the device is trusted. A nil allowlist admits
// every device.
func (a *Allowlist) Allowed(deviceID string) bool {
	if a == nil {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.devices[deviceID]
	return ok
}

// Size returns the number of trusted devices.
func (a *Allowlist) Size() int {
	if a == nil {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.devices)
}

// Close stops the file watcher.
func (a *Allowlist) Close() error {
	if a == nil || a.watcher == nil {
		return nil
	}
	return a.watcher.Close()
}

func (a *Allowlist) watch() {
	for {
		select {
		case ev, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(a.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := a.reload(); err != nil {
				a.log.Warn("trust.reload.fail",
					slog.String("path", a.path), slog.String("err", err.Error()))
				continue
			}
			a.log.Info("trust.reload",
				slog.String("path", a.path), slog.Int("devices", a.Size()))
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.log.Warn("trust.watch.error", slog.String("err", err.Error()))
		}
	}
}

func (a *Allowlist) reload() error {
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("open allowlist: %w", err)
	}
	defer f.Close()

	devices := make(map[string]struct{})
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		devices[line] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read allowlist: %w", err)
	}

	a.mu.Lock()
	a.devices = devices
	a.mu.Unlock()
	return nil
}
