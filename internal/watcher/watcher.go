package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"agent-console/internal/protocol"
	"agent-console/internal/session"
)

const (
	defaultDebounce = 500 * time.Millisecond
	// MaxTreeDepth bounds the trees returned to clients.
	MaxTreeDepth = 3
)

// excludedDirs are directories excluded from file counting and tree generation.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// UpdateCallback is called when the file count of a session's working
// directory changes.
type UpdateCallback func(sessionID string, fileCount int)

var _ session.Notifier = (*Watcher)(nil)

// Watcher monitors session working directories for file changes. Hidden
// entries are skipped, except for the agent config directories it was
// created with.
type Watcher struct {
	mu         sync.Mutex
	watchers   map[string]*sessionWatcher // sessionID → watcher
	configDirs map[string]bool
	callback   UpdateCallback
	debounce   time.Duration
	log        *zap.Logger
}

type sessionWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu        sync.Mutex
	lastCount int
}

// New creates a file system watcher. configDirs names hidden directories
// (such as ".claude") that are still counted and shown in trees.
func New(log *zap.Logger, configDirs []string, callback UpdateCallback) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	dirs := make(map[string]bool, len(configDirs))
	for _, d := range configDirs {
		if d != "" {
			dirs[d] = true
		}
	}
	return &Watcher{
		watchers:   make(map[string]*sessionWatcher),
		configDirs: dirs,
		callback:   callback,
		debounce:   defaultDebounce,
		log:        log.Named("watcher"),
	}
}

// Watch starts watching a directory for a given session, replacing any
// earlier watch for the same id. The initial count is reported
// asynchronously.
func (w *Watcher) Watch(sessionID, workDir string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := w.addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		lastCount: -1,
	}

	w.mu.Lock()
	prev := w.watchers[sessionID]
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	go w.watchLoop(sw)
	go w.recount(sw)

	w.log.Debug("watching workspace", zap.String("session_id", sessionID), zap.String("work_dir", workDir))
	return nil
}

// Unwatch stops watching a session's directory. Unknown ids are ignored.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		sw.stop()
	}
}

// Watching reports whether sessionID currently has a watch.
func (w *Watcher) Watching(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watchers[sessionID]
	return ok
}

// SessionStatus drops the watch of a session once it is terminated. The
// other session.Notifier methods are no-ops.
func (w *Watcher) SessionStatus(sessionID string, status session.Status) {
	if status == session.StatusTerminated {
		w.Unwatch(sessionID)
	}
}

func (w *Watcher) SessionOutput(string, []byte) {}
func (w *Watcher) SessionExit(string, session.ExitStatus) {}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	all := w.watchers
	w.watchers = make(map[string]*sessionWatcher)
	w.mu.Unlock()

	for _, sw := range all {
		sw.stop()
	}
}

func (sw *sessionWatcher) stop() {
	close(sw.cancel)
	sw.fsWatcher.Close()
}

func (sw *sessionWatcher) stopped() bool {
	select {
	case <-sw.cancel:
		return true
	default:
		return false
	}
}

// watchLoop processes fsnotify events, collapsing bursts into one recount.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-sw.cancel:
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !w.skipDir(filepath.Base(event.Name)) {
					if err := sw.fsWatcher.Add(event.Name); err != nil {
						w.log.Debug("watch new directory failed", zap.String("path", event.Name), zap.Error(err))
					}
				}
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() { w.recount(sw) })

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.String("session_id", sw.sessionID), zap.Error(err))
		}
	}
}

// recount recalculates the file count and notifies if it changed.
func (w *Watcher) recount(sw *sessionWatcher) {
	if sw.stopped() {
		return
	}
	count := w.CountFiles(sw.workDir)

	sw.mu.Lock()
	changed := count != sw.lastCount
	sw.lastCount = count
	sw.mu.Unlock()

	if changed && w.callback != nil && !sw.stopped() {
		w.callback(sw.sessionID, count)
	}
}

// CountFiles counts all non-excluded files in a directory.
func (w *Watcher) CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}
		if path == dir {
			return nil
		}
		if d.IsDir() {
			if w.skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if isHidden(d.Name()) && !w.insideConfigDir(dir, path) {
			return nil
		}
		count++
		return nil
	})
	return count
}

// BuildFileTree generates a FileNode tree for a directory up to maxDepth
// levels, directories first.
func (w *Watcher) BuildFileTree(dir string, maxDepth int) []protocol.FileNode {
	return w.buildTree(dir, dir, 0, maxDepth)
}

func (w *Watcher) buildTree(rootDir, currentDir string, depth, maxDepth int) []protocol.FileNode {
	if depth >= maxDepth {
		return nil
	}

	entries, err := os.ReadDir(currentDir)
	if err != nil {
		return nil
	}

	var dirs, files []protocol.FileNode
	for _, entry := range entries {
		name := entry.Name()
		fullPath := filepath.Join(currentDir, name)
		relPath, _ := filepath.Rel(rootDir, fullPath)

		if entry.IsDir() {
			if w.skipDir(name) {
				continue
			}
			dirs = append(dirs, protocol.FileNode{
				Name:     name,
				Path:     relPath,
				IsDir:    true,
				Children: w.buildTree(rootDir, fullPath, depth+1, maxDepth),
			})
			continue
		}

		if isHidden(name) && !w.insideConfigDir(rootDir, fullPath) {
			continue
		}
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		files = append(files, protocol.FileNode{Name: name, Path: relPath, Size: size})
	}

	return append(dirs, files...)
}

// ReadAgentConfig returns every markdown file under workDir/configDir,
// named by its path relative to configDir.
func ReadAgentConfig(workDir, configDir string) []protocol.ConfigFile {
	if configDir == "" {
		return nil
	}
	root := filepath.Join(workDir, configDir)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil
	}

	var configs []protocol.ConfigFile
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		configs = append(configs, protocol.ConfigFile{
			Name:    filepath.ToSlash(rel),
			Content: string(data),
		})
		return nil
	})
	return configs
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func (w *Watcher) addDirsRecursive(fsW *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return fsW.Add(path)
	})
}

func (w *Watcher) skipDir(name string) bool {
	if excludedDirs[name] {
		return true
	}
	return isHidden(name) && !w.configDirs[name]
}

// insideConfigDir reports whether path lies under one of the config
// directories directly below root.
func (w *Watcher) insideConfigDir(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return w.configDirs[first] && first != rel
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
