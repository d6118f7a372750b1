package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// TaskHolder hands out the current task configuration and accepts hot swaps.
// Readers get a consistent snapshot; an in-flight resolution keeps the tasks
// it started with.
type TaskHolder struct {
	mu    sync.RWMutex
	tasks Tasks
}

func NewTaskHolder(tasks Tasks) *TaskHolder {
	return &TaskHolder{tasks: tasks}
}

func (h *TaskHolder) Current() Tasks {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tasks
}

func (h *TaskHolder) Swap(tasks Tasks) {
	h.mu.Lock()
	h.tasks = tasks
	h.mu.Unlock()
}

// WatchTasks reloads the `tasks:` section of the config file whenever it
// changes and swaps the result into the holder. Invalid edits are logged and
// ignored; the previous tasks stay active. Editors that replace the file
// (rename-over) are handled by watching the parent directory.
func WatchTasks(ctx context.Context, path string, holder *TaskHolder, log zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-watcher.Events:
				if filepath.Clean(evt.Name) != target {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				tasks, err := reloadTasks(path)
				if err != nil {
					log.Warn().Str("path", path).Err(err).Msg("task config reload failed, keeping previous")
					continue
				}
				holder.Swap(tasks)
				log.Info().Str("path", path).Msg("task config reloaded")
			case err := <-watcher.Errors:
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return watcher.Add(filepath.Dir(target))
}

func reloadTasks(path string) (Tasks, error) {
	fileCfg, err := loadFileConfig(path)
	if err != nil {
		return Tasks{}, err
	}
	tasks := MergeTasks(DefaultTasks(), fileCfg.Tasks)
	if err := tasks.Validate(); err != nil {
		return Tasks{}, err
	}
	return tasks, nil
}
