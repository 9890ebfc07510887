package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/offshore-budgeting/ledgersync/internal/config"
)

var (
	errMigrateRunning = errors.New("another migrate is already running")
	errNoMigrate      = errors.New("no running migrate")
)

// acquireMigrateLock claims the data directory for this migrate process by
// holding an exclusive flock on its PID file. The file records our PID so
// "config set" can find and signal us. release drops both.
func acquireMigrateLock(st *config.StoreConfig) (release func(), err error) {
	if st.DataDir == "" {
		return nil, errors.New("cannot guard migrate: data directory unknown")
	}

	path := st.MigrateLockPath()

	if err := os.MkdirAll(st.DataDir, dataDirPerms); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if pid, readErr := readMigratePID(path); readErr == nil {
			return nil, fmt.Errorf("%w (PID %d holds %s)", errMigrateRunning, pid, path)
		}

		return nil, fmt.Errorf("%w (could not lock %s)", errMigrateRunning, path)
	}

	record := func() error {
		if err := f.Truncate(0); err != nil {
			return err
		}

		if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
			return err
		}

		return f.Sync()
	}

	if err := record(); err != nil {
		f.Close()

		return nil, fmt.Errorf("recording PID in %s: %w", path, err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

func readMigratePID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%s does not hold a PID", filepath.Base(path))
	}

	return pid, nil
}

// signalMigrate sends SIGHUP to the migrate process guarding st's data
// directory so a "--watch" run reloads its config and retries. A PID file
// left behind by a dead process is removed.
func signalMigrate(st *config.StoreConfig) error {
	path := st.MigrateLockPath()

	pid, err := readMigratePID(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w in %s", errNoMigrate, st.DataDir)
	}

	if err != nil {
		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding migrate PID %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(path)

		return fmt.Errorf("%w in %s (PID %d is gone, stale PID file removed)", errNoMigrate, st.DataDir, pid)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("signaling migrate PID %d: %w", pid, err)
	}

	return nil
}
