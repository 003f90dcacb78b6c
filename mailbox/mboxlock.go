package mailbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/logger"
)

var (
	lockTimeout  = 30 * time.Second
	lockRetry    = 100 * time.Millisecond
	staleLockAge = 5 * time.Minute
)

var errFileLocked = errors.New("file is locked")

type mboxLock struct {
	file    *os.File
	dotlock string
}

// lockMbox takes the <path>.lock dotlock and an exclusive kernel lock on the
// file, the pair local delivery agents honour before appending. A dotlock
// that cannot be created for lack of permission is skipped.
func lockMbox(path string) (*mboxLock, error) {
	deadline := time.Now().Add(lockTimeout)

	dotlock, err := acquireDotlock(path+".lock", deadline)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		removeDotlock(dotlock)
		return nil, fmt.Errorf("reopen %s: %w", path, err)
	}

	for {
		err := lockFile(f)
		if err == nil {
			break
		}
		if !errors.Is(err, errFileLocked) || time.Now().After(deadline) {
			f.Close()
			removeDotlock(dotlock)
			if errors.Is(err, errFileLocked) {
				return nil, fmt.Errorf("%w: %s", consts.ErrMailboxLocked, path)
			}
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		time.Sleep(lockRetry)
	}

	return &mboxLock{file: f, dotlock: dotlock}, nil
}

func (l *mboxLock) unlock() {
	if err := unlockFile(l.file); err != nil {
		logger.Warn("Mailbox: failed to release mbox lock", "path", l.file.Name(), "error", err)
	}
	l.file.Close()
	removeDotlock(l.dotlock)
}

func acquireDotlock(name string, deadline time.Time) (string, error) {
	for {
		f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(name)
				return "", fmt.Errorf("write %s: %w", name, werr)
			}
			return name, nil
		}

		switch {
		case errors.Is(err, fs.ErrPermission):
			logger.Debug("Mailbox: cannot create dotlock, using kernel lock only", "path", name, "error", err)
			return "", nil
		case !errors.Is(err, fs.ErrExist):
			return "", fmt.Errorf("create %s: %w", name, err)
		}

		if info, err := os.Stat(name); err == nil && time.Since(info.ModTime()) > staleLockAge {
			logger.Warn("Mailbox: removing stale dotlock", "path", name, "age", time.Since(info.ModTime()).Round(time.Second))
			if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return "", fmt.Errorf("remove stale %s: %w", name, err)
			}
			continue
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %s", consts.ErrMailboxLocked, name)
		}
		time.Sleep(lockRetry)
	}
}

func removeDotlock(name string) {
	if name == "" {
		return
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Mailbox: failed to remove dotlock", "path", name, "error", err)
	}
}
