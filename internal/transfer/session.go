// Package transfer runs the SFTP front door. Every connection owns a Session
// that stages positioned writes per remote path and hands a file to ingestion
// exactly once, on an explicit close with no prior abort.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/healthflow/internal/ingestion"
	"github.com/your-org/healthflow/pkg/metrics"
)

// ErrAborted is returned for writes and closes on an upload that was aborted.
var ErrAborted = errors.New("upload aborted")

// Acceptor is the ingestion contract a completed upload is handed to.
type Acceptor interface {
	Accept(ctx context.Context, r io.Reader, size int64, req ingestion.AcceptRequest) (*ingestion.Receipt, error)
}

// handoffDir holds staged files of closed uploads while they are handed off.
// It lives beside the session directories so it outlives any connection.
const handoffDir = ".handoff"

// Manager owns the staging root, the live sessions keyed by connection id,
// and the hand-offs still in flight.
type Manager struct {
	root           string
	acceptor       Acceptor
	logger         *zap.Logger
	observer       *metrics.Observer
	maxSize        int64
	handoffTimeout time.Duration
	ctx            context.Context

	mu       sync.Mutex
	sessions map[string]*Session
	inflight map[string]struct{}
	handoffs sync.WaitGroup
}

type ManagerParams struct {
	StagingRoot    string
	Acceptor       Acceptor
	Logger         *zap.Logger
	Observer       *metrics.Observer
	MaxSizeBytes   int64
	HandoffTimeout time.Duration
}

func NewManager(p ManagerParams) (*Manager, error) {
	if p.StagingRoot == "" {
		return nil, errors.New("staging root is required")
	}
	if p.Acceptor == nil {
		return nil, errors.New("acceptor is required")
	}
	if err := os.MkdirAll(filepath.Join(p.StagingRoot, handoffDir), 0o700); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	logr := p.Logger
	if logr == nil {
		logr = zap.NewNop()
	}
	timeout := p.HandoffTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Manager{
		root:           p.StagingRoot,
		acceptor:       p.Acceptor,
		logger:         logr,
		observer:       p.Observer,
		maxSize:        p.MaxSizeBytes,
		handoffTimeout: timeout,
		ctx:            context.Background(),
		sessions:       map[string]*Session{},
		inflight:       map[string]struct{}{},
	}, nil
}

// Begin binds connID to principal and allocates its private staging directory.
func (m *Manager) Begin(connID string, principal Principal) (*Session, error) {
	if connID == "" || strings.ContainsAny(connID, `/\`) || strings.HasPrefix(connID, ".") {
		return nil, fmt.Errorf("invalid connection id %q", connID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.sessions[connID]; taken {
		return nil, fmt.Errorf("connection %s already has a session", connID)
	}

	dir := filepath.Join(m.root, connID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session staging: %w", err)
	}
	s := &Session{
		id:        connID,
		principal: principal,
		dir:       dir,
		manager:   m,
		logger: m.logger.With(
			zap.String("connection_id", connID),
			zap.String("username", principal.Username),
		),
		started: time.Now(),
		uploads: map[string]*Upload{},
		closed:  map[string]entry{},
		dirs:    map[string]time.Time{},
	}
	m.sessions[connID] = s
	m.observer.SessionOpened()
	s.logger.Info("sftp session started", zap.String("capabilities", principal.Capabilities.String()))
	return s, nil
}

// End closes the session for connID, discarding anything still open.
func (m *Manager) End(connID string) {
	m.mu.Lock()
	s, ok := m.sessions[connID]
	delete(m.sessions, connID)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	m.observer.SessionClosed()
}

// Active reports the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Wait blocks until every hand-off started so far has finished.
func (m *Manager) Wait() {
	m.handoffs.Wait()
}

// detach moves the staged file of a closing upload out of its session
// directory and registers the hand-off.
func (m *Manager) detach(u *Upload) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	dst := filepath.Join(m.root, handoffDir, u.session.id+"-"+filepath.Base(u.staged))
	if err := os.Rename(u.staged, dst); err != nil {
		return "", fmt.Errorf("detach staging file: %w", err)
	}
	u.staged = dst

	m.mu.Lock()
	m.inflight[dst] = struct{}{}
	m.handoffs.Add(1)
	m.mu.Unlock()
	return dst, nil
}

func (m *Manager) handoffDone(staged string) {
	m.mu.Lock()
	delete(m.inflight, staged)
	m.mu.Unlock()
	m.handoffs.Done()
}

// Sweep removes staging entries that belong to no live session or running
// hand-off, such as leftovers from a crashed process.
func (m *Manager) Sweep() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("read staging root: %w", err)
	}
	pending, err := os.ReadDir(filepath.Join(m.root, handoffDir))
	if err != nil {
		return fmt.Errorf("read hand-off staging: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []string
	for _, e := range entries {
		if _, live := m.sessions[e.Name()]; live || e.Name() == handoffDir {
			continue
		}
		stale = append(stale, filepath.Join(m.root, e.Name()))
	}
	for _, e := range pending {
		p := filepath.Join(m.root, handoffDir, e.Name())
		if _, running := m.inflight[p]; !running {
			stale = append(stale, p)
		}
	}

	var errs []error
	for _, p := range stale {
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Info("removed stale staging entry", zap.String("entry", p))
	}
	return errors.Join(errs...)
}

type entry struct {
	size    int64
	modTime time.Time
}

// Session is the per-connection upload state. Paths are virtual, cleaned and
// rooted at "/", and private to the session.
type Session struct {
	id        string
	principal Principal
	dir       string
	manager   *Manager
	logger    *zap.Logger
	started   time.Time

	mu      sync.Mutex
	seq     int
	uploads map[string]*Upload
	closed  map[string]entry
	dirs    map[string]time.Time
	done    bool
}

func (s *Session) ID() string { return s.id }

func (s *Session) Principal() Principal { return s.principal }

func clean(p string) string {
	return path.Clean("/" + p)
}

// Open starts a fresh upload at p. An upload already open at p is aborted;
// a completed one is simply replaced.
func (s *Session) Open(p string) (*Upload, error) {
	if err := s.principal.Can(CapWrite); err != nil {
		return nil, err
	}
	p = clean(p)
	if p == "/" {
		return nil, fmt.Errorf("open %s: is a directory", p)
	}

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil, fmt.Errorf("open %s: %w", p, ErrAborted)
	}
	if _, isDir := s.dirs[p]; isDir {
		s.mu.Unlock()
		return nil, fmt.Errorf("open %s: is a directory", p)
	}
	if !s.parentExistsLocked(p) {
		s.mu.Unlock()
		return nil, &os.PathError{Op: "open", Path: p, Err: os.ErrNotExist}
	}
	previous := s.uploads[p]
	s.seq++
	staged := filepath.Join(s.dir, fmt.Sprintf("%06d.part", s.seq))
	s.mu.Unlock()

	if previous != nil {
		previous.Abort(errors.New("reopened before close"))
	}

	f, err := os.OpenFile(staged, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	u := &Upload{session: s, path: p, staged: staged, file: f, opened: time.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		u.discard()
		return nil, fmt.Errorf("open %s: %w", p, ErrAborted)
	}
	delete(s.closed, p)
	s.uploads[p] = u
	s.logger.Debug("upload opened", zap.String("path", p))
	return u, nil
}

// release is called once an upload leaves the open set. A completed upload
// stays visible at its path with its final size.
func (s *Session) release(u *Upload, completed bool, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploads[u.path] == u {
		delete(s.uploads, u.path)
		if completed {
			s.closed[u.path] = entry{size: size, modTime: time.Now()}
		}
	}
}

// forget drops u from the listing without recording it as completed.
func (s *Session) forget(u *Upload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploads[u.path] == u {
		delete(s.uploads, u.path)
	}
}

// Remove forgets p. An open upload at p is aborted; a completed one has
// already been handed off and is unaffected downstream.
func (s *Session) Remove(p string) error {
	if err := s.principal.Can(CapDelete); err != nil {
		return err
	}
	p = clean(p)
	s.mu.Lock()
	u, open := s.uploads[p]
	_, done := s.closed[p]
	delete(s.closed, p)
	s.mu.Unlock()

	switch {
	case open:
		if !u.abort(errors.New("removed before close")) {
			// Closing uploads finish their hand-off; only the listing entry goes.
			s.forget(u)
		}
		return nil
	case done:
		return nil
	default:
		return &os.PathError{Op: "remove", Path: p, Err: os.ErrNotExist}
	}
}

// Rename moves from to to. Renaming an open upload changes the name it will
// be classified under at close; renaming a completed file does not ingest it
// again.
func (s *Session) Rename(from, to string) error {
	if err := s.principal.Can(CapWrite); err != nil {
		return err
	}
	from, to = clean(from), clean(to)
	if from == "/" || to == "/" {
		return fmt.Errorf("rename %s: %w", from, ErrPermission)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.parentExistsLocked(to) {
		return &os.PathError{Op: "rename", Path: to, Err: os.ErrNotExist}
	}
	if s.existsLocked(to) {
		return &os.PathError{Op: "rename", Path: to, Err: os.ErrExist}
	}

	if u, ok := s.uploads[from]; ok {
		delete(s.uploads, from)
		u.mu.Lock()
		u.path = to
		u.mu.Unlock()
		s.uploads[to] = u
		return nil
	}
	if e, ok := s.closed[from]; ok {
		delete(s.closed, from)
		s.closed[to] = e
		return nil
	}
	if _, ok := s.dirs[from]; ok {
		if s.hasChildrenLocked(from) {
			return fmt.Errorf("rename %s: directory not empty", from)
		}
		s.dirs[to] = s.dirs[from]
		delete(s.dirs, from)
		return nil
	}
	return &os.PathError{Op: "rename", Path: from, Err: os.ErrNotExist}
}

func (s *Session) Mkdir(p string) error {
	if err := s.principal.Can(CapWrite); err != nil {
		return err
	}
	p = clean(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == "/" || s.existsLocked(p) {
		return &os.PathError{Op: "mkdir", Path: p, Err: os.ErrExist}
	}
	if !s.parentExistsLocked(p) {
		return &os.PathError{Op: "mkdir", Path: p, Err: os.ErrNotExist}
	}
	s.dirs[p] = time.Now()
	return nil
}

func (s *Session) Rmdir(p string) error {
	if err := s.principal.Can(CapDelete); err != nil {
		return err
	}
	p = clean(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dirs[p]; !ok {
		return &os.PathError{Op: "rmdir", Path: p, Err: os.ErrNotExist}
	}
	if s.hasChildrenLocked(p) {
		return fmt.Errorf("rmdir %s: directory not empty", p)
	}
	delete(s.dirs, p)
	return nil
}

// Stat describes p as the session currently sees it.
func (s *Session) Stat(p string) (os.FileInfo, error) {
	if err := s.principal.Can(CapRead); err != nil {
		return nil, err
	}
	p = clean(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.statLocked(p)
	if !ok {
		return nil, &os.PathError{Op: "stat", Path: p, Err: os.ErrNotExist}
	}
	return info, nil
}

// List returns the direct children of dir, sorted by name.
func (s *Session) List(dir string) ([]os.FileInfo, error) {
	if err := s.principal.Can(CapRead); err != nil {
		return nil, err
	}
	dir = clean(dir)
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.statLocked(dir); !ok || !info.IsDir() {
		return nil, &os.PathError{Op: "list", Path: dir, Err: os.ErrNotExist}
	}

	var out []os.FileInfo
	for _, p := range s.pathsLocked() {
		if p != dir && path.Dir(p) == dir {
			info, _ := s.statLocked(p)
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// Close ends the session: every open upload is aborted and the staging
// directory is removed. Hand-offs already started run to completion.
func (s *Session) Close() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	open := make([]*Upload, 0, len(s.uploads))
	for _, u := range s.uploads {
		open = append(open, u)
	}
	s.mu.Unlock()

	aborted := 0
	for _, u := range open {
		if u.abort(errors.New("connection closed before upload completed")) {
			aborted++
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		s.logger.Warn("remove session staging failed", zap.Error(err))
	}
	s.logger.Info("sftp session ended",
		zap.Int("aborted_uploads", aborted),
		zap.Duration("duration", time.Since(s.started)),
	)
}

func (s *Session) parentExistsLocked(p string) bool {
	parent := path.Dir(p)
	if parent == "/" {
		return true
	}
	_, ok := s.dirs[parent]
	return ok
}

func (s *Session) existsLocked(p string) bool {
	_, ok := s.statLocked(p)
	return ok
}

func (s *Session) hasChildrenLocked(dir string) bool {
	for _, p := range s.pathsLocked() {
		if p != dir && strings.HasPrefix(p, dir+"/") {
			return true
		}
	}
	return false
}

func (s *Session) pathsLocked() []string {
	out := make([]string, 0, len(s.dirs)+len(s.uploads)+len(s.closed))
	for p := range s.dirs {
		out = append(out, p)
	}
	for p := range s.uploads {
		out = append(out, p)
	}
	for p := range s.closed {
		out = append(out, p)
	}
	return out
}

func (s *Session) statLocked(p string) (os.FileInfo, bool) {
	if p == "/" {
		return fileInfo{name: "/", dir: true, modTime: s.started}, true
	}
	if t, ok := s.dirs[p]; ok {
		return fileInfo{name: path.Base(p), dir: true, modTime: t}, true
	}
	if u, ok := s.uploads[p]; ok {
		return fileInfo{name: path.Base(p), size: u.Size(), modTime: u.opened}, true
	}
	if e, ok := s.closed[p]; ok {
		return fileInfo{name: path.Base(p), size: e.size, modTime: e.modTime}, true
	}
	return nil, false
}

type fileInfo struct {
	name    string
	size    int64
	dir     bool
	modTime time.Time
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) ModTime() time.Time { return fi.modTime }
func (fi fileInfo) IsDir() bool        { return fi.dir }
func (fi fileInfo) Sys() any           { return nil }

func (fi fileInfo) Mode() os.FileMode {
	if fi.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
