package firmware

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Monitor keeps the store in sync with the regular files in dir until ctx is cancelled.
// Every file already in dir is opened first; afterwards created or rewritten files are (re)opened and removed or renamed files are closed.
// Files that fail validation are logged and skipped.
// Dot-files and subdirectories are ignored.
//
// Returns nil when ctx is cancelled, or an error if the directory cannot be watched.
func (s *Store) Monitor(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// watch before scanning so files dropped in during the scan are not missed
	if err := watcher.Add(dir); err != nil {
		return err
	}
	log := s.log.With().Str("directory", dir).Logger()
	log.Info().Msg("monitoring directory")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || ignored(e.Name()) {
			continue
		}
		s.Open(filepath.Join(dir, e.Name()))
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopped monitoring directory")
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ignored(filepath.Base(ev.Name)) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				s.Close(ev.Name)
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				if info, err := os.Stat(ev.Name); err != nil || !info.Mode().IsRegular() {
					continue
				}
				log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("firmware file changed")
				s.Open(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func ignored(name string) bool {
	return strings.HasPrefix(name, ".")
}
