// Package filetracker watches a session's working directory and records the
// files an agent touches as reviewable diffs.
package filetracker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/remote-agent-terminal/agentrelay/internal/logger"
	"github.com/remote-agent-terminal/agentrelay/internal/model"
	"github.com/remote-agent-terminal/agentrelay/internal/session"
)

const (
	// DefaultSettle is how long a path must be quiet before it is compared
	// against its snapshot.
	DefaultSettle = 100 * time.Millisecond

	// DefaultMaxFileSize skips files too large to diff (1MB).
	DefaultMaxFileSize = 1024 * 1024

	// EventFileChange is the socket event carrying diff notifications.
	EventFileChange = "file_change"
)

// ChangeType is the kind of change a diff records.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// Status is the review state of a diff.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDenied   Status = "denied"
)

// Diff is one observed change to one file.
type Diff struct {
	ID         string     `json:"diff_id"`
	Path       string     `json:"file_path"`
	ChangeType ChangeType `json:"change_type"`
	Lines      []string   `json:"diff_lines"`
	Status     Status     `json:"status"`
	Timestamp  time.Time  `json:"timestamp"`
	OldHash    string     `json:"old_hash,omitempty"`
	NewHash    string     `json:"new_hash,omitempty"`
	Size       int64      `json:"file_size"`
}

// Change is the payload of a file_change event.
type Change struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Diff      *Diff  `json:"diff,omitempty"`
	DiffID    string `json:"diff_id,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
	Count     int    `json:"count,omitempty"`
}

type snapshot struct {
	content string
	hash    string
	size    int64
}

// Options configures a Tracker.
type Options struct {
	Settle      time.Duration
	MaxFileSize int64

	// DiffDir, when set, receives one JSON file per diff under <DiffDir>/<session>/.
	DiffDir string

	Broadcaster session.Broadcaster
	Logger      *slog.Logger
}

// Tracker records file changes per session. It implements session.FileTracker.
type Tracker struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	watches   map[string]*watch
	snapshots map[string]map[string]snapshot
	diffs     map[string][]*Diff
}

type watch struct {
	dir     string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

var ignoredDirs = map[string]bool{
	".git":          true,
	"__pycache__":   true,
	".pytest_cache": true,
	"node_modules":  true,
	".vscode":       true,
	".idea":         true,
	".venv":         true,
	"venv":          true,
}

var ignoredSuffixes = []string{".pyc", ".pyo", ".pyd", ".swp", ".swo", ".tmp", "~", ".DS_Store"}

var allowedHidden = map[string]bool{
	".env":       true,
	".gitignore": true,
	".gitkeep":   true,
}

// New creates a Tracker.
func New(opts Options) *Tracker {
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	return &Tracker{
		opts:      opts,
		log:       logger.OrDefault(opts.Logger).With("component", "filetracker"),
		watches:   make(map[string]*watch),
		snapshots: make(map[string]map[string]snapshot),
		diffs:     make(map[string][]*Diff),
	}
}

// StartWatching snapshots dir and starts recording changes under it for
// sessionID. An existing watch for the session is replaced.
func (t *Tracker) StartWatching(sessionID, dir string) error {
	t.StopWatching(sessionID)

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", model.ErrDirectoryNotFound, abs)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	snaps := make(map[string]snapshot)
	if err := t.addTree(w, abs, func(path string) {
		if s, ok := t.read(path); ok {
			snaps[path] = s
		}
	}); err != nil {
		w.Close()
		return err
	}

	wt := &watch{dir: abs, watcher: w, done: make(chan struct{})}

	t.mu.Lock()
	t.watches[sessionID] = wt
	t.snapshots[sessionID] = snaps
	if _, ok := t.diffs[sessionID]; !ok {
		t.diffs[sessionID] = nil
	}
	t.mu.Unlock()

	go t.loop(sessionID, wt)

	t.log.Info("watching directory", "session_id", sessionID, "dir", abs, "files", len(snaps))
	return nil
}

// StopWatching stops recording changes. Recorded diffs are kept.
func (t *Tracker) StopWatching(sessionID string) {
	t.mu.Lock()
	wt, ok := t.watches[sessionID]
	delete(t.watches, sessionID)
	t.mu.Unlock()
	if !ok {
		return
	}

	wt.watcher.Close()
	<-wt.done
	t.log.Info("stopped watching", "session_id", sessionID)
}

// Watching reports whether sessionID has an active watch.
func (t *Tracker) Watching(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.watches[sessionID]
	return ok
}

// SessionDiffs returns every diff recorded for sessionID, oldest first.
func (t *Tracker) SessionDiffs(sessionID string) []Diff {
	return t.collect(sessionID, func(*Diff) bool { return true })
}

// PendingDiffs returns the diffs not yet accepted or denied.
func (t *Tracker) PendingDiffs(sessionID string) []Diff {
	return t.collect(sessionID, func(d *Diff) bool { return d.Status == StatusPending })
}

func (t *Tracker) collect(sessionID string, keep func(*Diff) bool) []Diff {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := []Diff{}
	for _, d := range t.diffs[sessionID] {
		if keep(d) {
			c := *d
			c.Lines = append([]string(nil), d.Lines...)
			out = append(out, c)
		}
	}
	return out
}

// AcceptDiff marks a diff accepted.
func (t *Tracker) AcceptDiff(sessionID, diffID string) error {
	d, err := t.setStatus(sessionID, diffID, StatusAccepted)
	if err != nil {
		return err
	}
	t.notify(sessionID, Change{Type: "diff_accepted", DiffID: diffID, FilePath: d.Path})
	return nil
}

// DenyDiff marks a diff denied. The file on disk is left as the agent wrote it.
func (t *Tracker) DenyDiff(sessionID, diffID string) error {
	d, err := t.setStatus(sessionID, diffID, StatusDenied)
	if err != nil {
		return err
	}
	t.notify(sessionID, Change{Type: "diff_denied", DiffID: diffID, FilePath: d.Path})
	return nil
}

func (t *Tracker) setStatus(sessionID, diffID string, status Status) (Diff, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, d := range t.diffs[sessionID] {
		if d.ID == diffID {
			d.Status = status
			t.save(sessionID, d)
			return *d, nil
		}
	}
	return Diff{}, fmt.Errorf("%w: %s", model.ErrDiffNotFound, diffID)
}

// AcceptAll accepts every pending diff and returns how many changed.
func (t *Tracker) AcceptAll(sessionID string) int {
	t.mu.Lock()
	count := 0
	for _, d := range t.diffs[sessionID] {
		if d.Status == StatusPending {
			d.Status = StatusAccepted
			t.save(sessionID, d)
			count++
		}
	}
	t.mu.Unlock()

	if count > 0 {
		t.notify(sessionID, Change{Type: "all_diffs_accepted", Count: count})
	}
	return count
}

// CleanupSession stops the watch and forgets the session's snapshots and
// diffs. Files already written to DiffDir stay.
func (t *Tracker) CleanupSession(sessionID string) {
	t.StopWatching(sessionID)

	t.mu.Lock()
	delete(t.snapshots, sessionID)
	delete(t.diffs, sessionID)
	t.mu.Unlock()
}

// Close stops every watch.
func (t *Tracker) Close() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.watches))
	for id := range t.watches {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.StopWatching(id)
	}
}

// loop coalesces events per path and reconciles each path once it has been
// quiet for the settle period.
func (t *Tracker) loop(sessionID string, wt *watch) {
	defer close(wt.done)

	log := t.log.With("session_id", sessionID)
	pending := make(map[string]struct{})
	timer := time.NewTimer(t.opts.Settle)
	timer.Stop()

	for {
		select {
		case ev, ok := <-wt.watcher.Events:
			if !ok {
				return
			}
			if ignored(wt.dir, ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					// Files may land in a new directory before it is watched.
					if err := t.addTree(wt.watcher, ev.Name, func(path string) {
						pending[path] = struct{}{}
					}); err != nil {
						log.Warn("failed to watch new directory", "dir", ev.Name, "error", err)
					}
				}
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(t.opts.Settle)

		case err, ok := <-wt.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("watcher error", "error", err)

		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			sort.Strings(paths)
			for _, p := range paths {
				t.reconcile(sessionID, p)
			}
		}
	}
}

// reconcile compares path with its snapshot and records a diff when the
// content changed. A vanished directory deletes every file below it.
func (t *Tracker) reconcile(sessionID, path string) {
	var changes []*Diff

	t.mu.Lock()
	snaps, ok := t.snapshots[sessionID]
	if !ok {
		t.mu.Unlock()
		return
	}

	old, hadOld := snaps[path]
	info, statErr := os.Stat(path)
	switch {
	case statErr == nil && info.Mode().IsRegular():
		cur, ok := t.read(path)
		if !ok {
			break
		}
		if hadOld && old.hash == cur.hash {
			break
		}
		kind := ChangeCreated
		var prev *snapshot
		if hadOld {
			kind = ChangeModified
			prev = &old
		}
		if d := t.newDiff(path, kind, prev, &cur); d != nil {
			changes = append(changes, d)
		}
		snaps[path] = cur

	case errors.Is(statErr, fs.ErrNotExist):
		if hadOld {
			changes = append(changes, t.newDiff(path, ChangeDeleted, &old, nil))
			delete(snaps, path)
			break
		}
		prefix := path + string(filepath.Separator)
		var gone []string
		for p := range snaps {
			if strings.HasPrefix(p, prefix) {
				gone = append(gone, p)
			}
		}
		sort.Strings(gone)
		for _, p := range gone {
			s := snaps[p]
			changes = append(changes, t.newDiff(p, ChangeDeleted, &s, nil))
			delete(snaps, p)
		}
	}

	created := make([]Diff, 0, len(changes))
	for _, d := range changes {
		t.diffs[sessionID] = append(t.diffs[sessionID], d)
		t.save(sessionID, d)
		c := *d
		c.Lines = append([]string(nil), d.Lines...)
		created = append(created, c)
	}
	t.mu.Unlock()

	for i := range created {
		c := created[i]
		t.log.Info("file change detected", "session_id", sessionID, "path", c.Path, "change", c.ChangeType)
		t.notify(sessionID, Change{Type: "diff_created", Diff: &c})
	}
}

func (t *Tracker) newDiff(path string, kind ChangeType, prev, cur *snapshot) *Diff {
	var lines []string
	switch kind {
	case ChangeCreated:
		for _, l := range splitLines(cur.content) {
			lines = append(lines, "+ "+l)
		}
	case ChangeDeleted:
		for _, l := range splitLines(prev.content) {
			lines = append(lines, "- "+l)
		}
	case ChangeModified:
		base := filepath.Base(path)
		text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(prev.content),
			B:        difflib.SplitLines(cur.content),
			FromFile: "a/" + base,
			ToFile:   "b/" + base,
			Context:  3,
		})
		if err != nil {
			t.log.Warn("failed to diff file", "path", path, "error", err)
		}
		lines = splitLines(text)
	}

	if len(lines) == 0 && kind != ChangeDeleted {
		return nil
	}

	d := &Diff{
		ID:         uuid.New().String(),
		Path:       path,
		ChangeType: kind,
		Lines:      lines,
		Status:     StatusPending,
		Timestamp:  time.Now(),
	}
	if prev != nil {
		d.OldHash = prev.hash
		d.Size = prev.size
	}
	if cur != nil {
		d.NewHash = cur.hash
		d.Size = cur.size
	}
	return d
}

// addTree watches root and every non-ignored directory below it, calling
// onFile for each trackable file.
func (t *Tracker) addTree(w *fsnotify.Watcher, root string, onFile func(string)) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path != root && ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			if err := w.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			return nil
		}
		if d.Type().IsRegular() && !ignored(root, path) {
			onFile(path)
		}
		return nil
	})
}

func (t *Tracker) read(path string) (snapshot, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return snapshot{}, false
	}
	if info.Size() > t.opts.MaxFileSize {
		t.log.Debug("file too large to track", "path", path, "size", info.Size())
		return snapshot{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, false
	}

	sum := sha256.Sum256(data)
	return snapshot{
		content: decode(data),
		hash:    hex.EncodeToString(sum[:]),
		size:    int64(len(data)),
	}, true
}

// save writes d to DiffDir. Callers hold t.mu.
func (t *Tracker) save(sessionID string, d *Diff) {
	if t.opts.DiffDir == "" {
		return
	}
	dir := filepath.Join(t.opts.DiffDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.log.Warn("failed to create diff dir", "dir", dir, "error", err)
		return
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(dir, d.ID+".json"), data, 0o644); err != nil {
		t.log.Warn("failed to save diff", "diff_id", d.ID, "error", err)
	}
}

func (t *Tracker) notify(sessionID string, c Change) {
	if t.opts.Broadcaster == nil {
		return
	}
	c.SessionID = sessionID
	t.opts.Broadcaster.Emit(sessionID, EventFileChange, c)
}

// ignored reports whether path, below root, is noise not worth tracking.
func ignored(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if ignoredDirs[part] {
			return true
		}
	}

	name := filepath.Base(path)
	for _, s := range ignoredSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return strings.HasPrefix(name, ".") && !allowedHidden[name]
}

// decode returns data as text, reading invalid UTF-8 as Latin-1.
func decode(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
