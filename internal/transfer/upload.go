package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/healthflow/internal/ingestion"
)

type uploadState int

const (
	stateOpened uploadState = iota
	stateWriting
	stateClosing
	stateComplete
	stateAborted
)

func (s uploadState) String() string {
	switch s {
	case stateOpened:
		return "opened"
	case stateWriting:
		return "writing"
	case stateClosing:
		return "closing"
	case stateComplete:
		return "complete"
	default:
		return "aborted"
	}
}

// Upload is one remote path being written on a session. Writes may arrive at
// any offset and in any order; the staged file is random access.
type Upload struct {
	session *Session
	staged  string
	opened  time.Time

	// path is written with both session.mu and mu held.
	path string

	mu    sync.Mutex
	file  *os.File
	state uploadState
	size  int64
	err   error
}

// WriteAt stores p at off in the staging file and advances the high-water mark.
// A write past the size ceiling or a failed staging write aborts the upload.
func (u *Upload) WriteAt(p []byte, off int64) (int, error) {
	u.mu.Lock()
	switch u.state {
	case stateOpened, stateWriting:
	case stateAborted:
		err := u.err
		u.mu.Unlock()
		return 0, err
	default:
		u.mu.Unlock()
		return 0, fmt.Errorf("write after close: %w", os.ErrClosed)
	}
	if off < 0 {
		u.mu.Unlock()
		return 0, fmt.Errorf("negative offset %d", off)
	}
	end := off + int64(len(p))
	if limit := u.session.manager.maxSize; limit > 0 && end > limit {
		return 0, u.failWriteLocked(fmt.Errorf("upload exceeds %d bytes", limit))
	}

	n, err := u.file.WriteAt(p, off)
	if end := off + int64(n); end > u.size {
		u.size = end
	}
	if err != nil {
		return n, u.failWriteLocked(fmt.Errorf("write staging file: %w", err))
	}
	u.state = stateWriting
	u.mu.Unlock()
	return n, nil
}

// failWriteLocked aborts the upload, drops it from the session and returns
// the abort error. It is entered with u.mu held and returns with it released.
func (u *Upload) failWriteLocked(cause error) error {
	aborted := u.abortLocked(cause)
	err := u.err
	u.mu.Unlock()
	if aborted {
		u.session.release(u, false, 0)
	}
	return err
}

// Size is the current high-water mark.
func (u *Upload) Size() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.size
}

// Close completes the upload. The staged file moves out of the session
// directory and is handed to the acceptor in the background, so other paths
// on the connection keep flowing. Close is the only path to ingestion.
// Closing an aborted upload returns its abort error and ingests nothing.
func (u *Upload) Close() error {
	u.mu.Lock()
	switch u.state {
	case stateAborted:
		err := u.err
		u.mu.Unlock()
		return err
	case stateClosing, stateComplete:
		u.mu.Unlock()
		return nil
	}
	u.state = stateClosing
	size := u.size
	file := u.file
	u.mu.Unlock()

	s := u.session
	m := s.manager
	s.mu.Lock()
	remotePath := u.path
	s.mu.Unlock()

	staged, err := m.detach(u)
	if err != nil {
		u.finish(remotePath, size, nil, err)
		u.mu.Lock()
		err = u.err
		u.mu.Unlock()
		return err
	}

	go func() {
		defer m.handoffDone(staged)
		receipt, err := u.handoff(file, remotePath, size)
		u.finish(remotePath, size, receipt, err)
	}()
	return nil
}

func (u *Upload) handoff(file *os.File, remotePath string, size int64) (*ingestion.Receipt, error) {
	m := u.session.manager
	ctx, cancel := context.WithTimeout(m.ctx, m.handoffTimeout)
	defer cancel()
	req := Classify(u.session.principal, u.session.id, remotePath, size)
	return m.acceptor.Accept(ctx, io.NewSectionReader(file, 0, size), size, req)
}

// finish records the result of a hand-off and releases the staged file.
func (u *Upload) finish(remotePath string, size int64, receipt *ingestion.Receipt, err error) {
	s := u.session
	u.mu.Lock()
	u.discardLocked()
	if err != nil {
		u.state = stateAborted
		u.err = fmt.Errorf("%w: hand-off failed: %v", ErrAborted, err)
	} else {
		u.state = stateComplete
	}
	u.mu.Unlock()
	s.release(u, err == nil, size)

	logr := s.logger.With(zap.String("path", remotePath), zap.Int64("size_bytes", size))
	if err != nil {
		s.manager.observer.Upload("failed")
		logr.Error("upload hand-off failed", zap.Error(err))
		return
	}
	s.manager.observer.Upload("complete")
	logr.Info("upload complete",
		zap.String("object_id", receipt.ObjectID),
		zap.String("fingerprint", receipt.Fingerprint.Short()),
	)
}

// Abort discards the upload. Later writes and the eventual Close fail with
// ErrAborted. Aborting a completed or closing upload does nothing.
func (u *Upload) Abort(cause error) {
	u.abort(cause)
}

func (u *Upload) abort(cause error) bool {
	u.mu.Lock()
	aborted := u.abortLocked(cause)
	u.mu.Unlock()
	if aborted {
		u.session.release(u, false, 0)
	}
	return aborted
}

// TransferError is called by the protocol layer when the connection fails
// with this upload still open.
func (u *Upload) TransferError(err error) {
	u.Abort(fmt.Errorf("transfer interrupted: %w", err))
}

func (u *Upload) abortLocked(cause error) bool {
	if u.state != stateOpened && u.state != stateWriting {
		return false
	}
	if cause == nil {
		cause = errors.New("aborted")
	}
	prev := u.state
	u.state = stateAborted
	u.err = fmt.Errorf("%w: %v", ErrAborted, cause)
	u.discardLocked()

	u.session.manager.observer.Upload("aborted")
	u.session.logger.Warn("incomplete upload discarded",
		zap.String("path", u.path),
		zap.Stringer("state", prev),
		zap.Int64("discarded_bytes", u.size),
		zap.Error(cause),
	)
	return true
}

// discard releases the staging file for an upload that never became visible.
func (u *Upload) discard() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.discardLocked()
}

func (u *Upload) discardLocked() {
	if u.file == nil {
		return
	}
	_ = u.file.Close()
	u.file = nil
	if err := os.Remove(u.staged); err != nil && !errors.Is(err, os.ErrNotExist) {
		u.session.logger.Warn("remove staging file failed", zap.String("staged", u.staged), zap.Error(err))
	}
}
