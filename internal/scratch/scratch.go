// Package scratch manages per-job working directories.
//
// A workspace is <root>/<job_id>/ guarded by an exclusive flock on
// <root>/<job_id>.lock, so no two jobs ever share frame storage.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"broll/internal/pkg/errors"
)

const (
	framesDir    = "frames"
	framePrefix  = "frame_"
	frameExt     = ".png"
	outputName   = "output.mp4"
	templateName = "template.blend"
)

// Workspace is one job's exclusively owned scratch directory.
type Workspace struct {
	Dir      string
	lockPath string
	lock     *flock.Flock
}

// Create makes and locks the workspace for jobID. A workspace that is
// already locked by another owner is an error; a stale unlocked one is wiped.
func Create(root, jobID string) (*Workspace, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return nil, errors.Validationf("invalid job id %q", jobID)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "scratch.create", "create scratch root")
	}

	dir := filepath.Join(root, jobID)
	lockPath := dir + ".lock"
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "scratch.create", "lock workspace")
	}
	if !ok {
		return nil, errors.Newf(errors.CodeUnavailable, "workspace %s is owned by another job", jobID).
			WithField("dir", dir)
	}

	if err := os.RemoveAll(dir); err != nil {
		_ = lock.Unlock()
		return nil, errors.Wrap(err, "scratch.create", "clear stale workspace")
	}
	if err := os.MkdirAll(filepath.Join(dir, framesDir), 0o755); err != nil {
		_ = lock.Unlock()
		return nil, errors.Wrap(err, "scratch.create", "create frames dir")
	}

	return &Workspace{Dir: dir, lockPath: lockPath, lock: lock}, nil
}

// FramesDir holds the rendered image sequence.
func (w *Workspace) FramesDir() string {
	return filepath.Join(w.Dir, framesDir)
}

// FramePattern is the Blender output pattern; #### becomes the zero-padded frame number.
func (w *Workspace) FramePattern() string {
	return filepath.Join(w.FramesDir(), framePrefix+"####")
}

// FrameInputPattern is the FFmpeg image2 pattern for the same files.
func (w *Workspace) FrameInputPattern() string {
	return filepath.Join(w.FramesDir(), framePrefix+"%04d"+frameExt)
}

// FramePath returns the file Blender writes for frame n.
func (w *Workspace) FramePath(n int) string {
	return filepath.Join(w.FramesDir(), FrameName(n))
}

// FrameName returns the file name for frame n.
func FrameName(n int) string {
	return fmt.Sprintf("%s%04d%s", framePrefix, n, frameExt)
}

// OutputPath is where the encoded video is written.
func (w *Workspace) OutputPath() string {
	return filepath.Join(w.Dir, outputName)
}

// TemplatePath is where a downloaded template is stored.
func (w *Workspace) TemplatePath() string {
	return filepath.Join(w.Dir, templateName)
}

// ClearFrames removes the image sequence and recreates an empty frames dir.
func (w *Workspace) ClearFrames() error {
	if err := os.RemoveAll(w.FramesDir()); err != nil {
		return err
	}
	return os.MkdirAll(w.FramesDir(), 0o755)
}

// Release deletes the workspace and drops the lock. It is safe to call twice.
func (w *Workspace) Release() error {
	if w == nil || w.lock == nil {
		return nil
	}
	rmErr := os.RemoveAll(w.Dir)
	unlockErr := w.lock.Unlock()
	_ = os.Remove(w.lockPath)
	w.lock = nil

	if rmErr != nil {
		return errors.Wrap(rmErr, "scratch.release", "remove workspace")
	}
	if unlockErr != nil {
		return errors.Wrap(unlockErr, "scratch.release", "unlock workspace")
	}
	return nil
}
