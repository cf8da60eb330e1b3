package actor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	jsoniter "github.com/json-iterator/go"
)

var configJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// loadConfigFile parses a name-keyed actor configuration file. Unknown
// fields inside each entry are ignored, so one file can serve multiple
// binary versions.
func loadConfigFile(path string) (map[string]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read actor configuration: %w", err)
	}

	var cfgs map[string]Config
	if err := configJSON.Unmarshal(data, &cfgs); err != nil {
		return nil, fmt.Errorf("parse actor configuration %s: %w",
			path, err)
	}

	for name, cfg := range cfgs {
		cfg.Name = name
		cfgs[name] = cfg
	}

	return cfgs, nil
}

// loadConfigFiles parses the primary configuration file and, when overlay is
// non-empty, merges the overlay file's entries over it field by field.
func loadConfigFiles(path, overlay string) (map[string]Config, error) {
	cfgs, err := loadConfigFile(path)
	if err != nil {
		return nil, err
	}
	if overlay == "" {
		return cfgs, nil
	}

	over, err := loadConfigFile(overlay)
	if err != nil {
		return nil, err
	}
	for name, cfg := range over {
		base, ok := cfgs[name]
		if !ok {
			cfgs[name] = cfg
			continue
		}
		merged := base.overlay(cfg)
		merged.Name = name
		cfgs[name] = merged
	}

	return cfgs, nil
}

// watchConfigFiles applies configuration file edits to the live tree. The
// watch is on the containing directories, since editors typically replace
// files rather than write them in place. A change to either file reloads and
// re-merges both. The watcher is installed before this returns, so edits
// made after Root comes up are never lost; only the event loop runs in the
// background.
func (s *System) watchConfigFiles(path, overlay string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.ErrorS(s.ctx, "Configuration watch unavailable", err,
			"path", path)
		return
	}

	targets := map[string]struct{}{filepath.Clean(path): {}}
	dirs := map[string]struct{}{filepath.Dir(path): {}}
	if overlay != "" {
		targets[filepath.Clean(overlay)] = struct{}{}
		dirs[filepath.Dir(overlay)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			log.ErrorS(s.ctx, "Configuration watch unavailable", err,
				"dir", dir)
			watcher.Close()
			return
		}
	}

	go s.runConfigWatch(watcher, targets, path, overlay)
}

// runConfigWatch is the event loop behind watchConfigFiles.
func (s *System) runConfigWatch(watcher *fsnotify.Watcher,
	targets map[string]struct{}, path, overlay string) {

	defer watcher.Close()

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if _, watched := targets[filepath.Clean(ev.Name)]; !watched {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}

			s.applyConfigFiles(path, overlay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WarnS(s.ctx, "Configuration watch error", err,
				"path", path)

		case <-s.ctx.Done():
			return
		}
	}
}

// applyConfigFiles reloads the files and pushes the result through the tree
// as a global configuration change. A malformed file keeps the previous
// configuration.
func (s *System) applyConfigFiles(path, overlay string) {
	cfgs, err := loadConfigFiles(path, overlay)
	if err != nil {
		log.WarnS(s.ctx, "Ignoring bad configuration update", err,
			"path", path)
		return
	}

	s.setConfig(cfgs)

	root := s.root
	if root == nil {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	if err := root.ChangeGlobalConfiguration(ctx, cfgs); err != nil {
		log.ErrorS(s.ctx, "Global reconfiguration failed", err,
			"path", path)
		return
	}

	log.InfoS(s.ctx, "Applied configuration update", "path", path)
}
