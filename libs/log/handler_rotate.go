package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const bufferSize = 16 * 1024

var flushInterval = 2 * time.Second

// RotateConfig configures the rotating file handler.
type RotateConfig struct {
	RootDir string `mapstructure:"home"`

	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"maxsize"`
	Daily      bool   `mapstructure:"daily"`
	Hourly     bool   `mapstructure:"hourly"`
	MaxDays    int    `mapstructure:"maxdays"`
	Rotate     bool   `mapstructure:"rotate"`
	Perm       string `mapstructure:"perm"`
	RotatePerm string `mapstructure:"rotateperm"`
}

// RotateHandler returns a Handler writing formatted records to conf.Filename.
// When conf.Rotate is set the file is renamed with a time suffix on every
// hour or day boundary, or when it grows beyond conf.MaxSize bytes, and files
// older than conf.MaxDays are removed. The returned closer flushes and closes
// the file.
func RotateHandler(conf *RotateConfig, fmtr Format) (Handler, func() error, error) {
	w, err := newRotateWriter(conf)
	if err != nil {
		return nil, nil, fmt.Errorf("RotateHandler init failed: %s", err)
	}
	h := FuncHandler(func(r *Record) error {
		return w.Write(fmtr.Format(r))
	})
	return LazyHandler(h), w.Close, nil
}

type rotateWriter struct {
	mtx sync.Mutex

	conf       RotateConfig
	perm       os.FileMode
	rotatePerm os.FileMode
	layout     string

	file     *os.File
	openedAt time.Time
	size     int
	buffer   []byte
	seq      int

	quit      chan struct{}
	closeOnce sync.Once
}

func newRotateWriter(conf *RotateConfig) (*rotateWriter, error) {
	if len(conf.Filename) == 0 {
		return nil, fmt.Errorf("RotateConfig must have filename")
	}
	perm, err := parsePerm(conf.Perm, 0664)
	if err != nil {
		return nil, err
	}
	rotatePerm, err := parsePerm(conf.RotatePerm, 0444)
	if err != nil {
		return nil, err
	}
	w := &rotateWriter{
		conf:       *conf,
		perm:       perm,
		rotatePerm: rotatePerm,
		buffer:     make([]byte, 0, bufferSize),
		quit:       make(chan struct{}),
	}
	switch {
	case conf.Hourly:
		w.layout = "2006-01-02_15"
	case conf.Daily:
		w.layout = "2006-01-02"
	default:
		w.layout = "2006-01-02_150405"
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	go w.flushRoutine()
	return w, nil
}

func parsePerm(s string, def os.FileMode) (os.FileMode, error) {
	if s == "" {
		return def, nil
	}
	perm, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	return os.FileMode(perm), nil
}

func (w *rotateWriter) open() error {
	fd, err := os.OpenFile(w.conf.Filename, os.O_WRONLY|os.O_APPEND|os.O_CREATE, w.perm)
	if err != nil {
		return err
	}
	// OpenFile obeys umask, the configured perm wins.
	os.Chmod(w.conf.Filename, w.perm)
	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return err
	}
	w.file = fd
	w.size = int(info.Size())
	w.openedAt = time.Now()
	return nil
}

func (w *rotateWriter) needRotate(now time.Time) bool {
	if !w.conf.Rotate {
		return false
	}
	switch {
	case w.conf.MaxSize > 0 && w.size >= w.conf.MaxSize:
		return true
	case w.conf.Hourly:
		return now.Hour() != w.openedAt.Hour() || now.YearDay() != w.openedAt.YearDay()
	case w.conf.Daily:
		return now.YearDay() != w.openedAt.YearDay()
	}
	return false
}

// Write buffers msg, rotating the file first when needed.
func (w *rotateWriter) Write(msg []byte) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.file == nil {
		return fmt.Errorf("rotate writer closed")
	}
	if now := time.Now(); w.needRotate(now) {
		if err := w.rotate(now); err != nil {
			fmt.Fprintf(os.Stderr, "RotateHandler(%q): %s\n", w.conf.Filename, err)
		}
	}
	if len(w.buffer)+len(msg) > bufferSize {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	if len(msg) > bufferSize/2 {
		n, err := w.file.Write(msg)
		w.size += n
		return err
	}
	w.buffer = append(w.buffer, msg...)
	w.size += len(msg)
	return nil
}

func (w *rotateWriter) flushLocked() error {
	if len(w.buffer) == 0 || w.file == nil {
		return nil
	}
	_, err := w.file.Write(w.buffer)
	w.buffer = w.buffer[:0]
	return err
}

func (w *rotateWriter) rotate(now time.Time) error {
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.file.Close()

	ext := filepath.Ext(w.conf.Filename)
	prefix := strings.TrimSuffix(w.conf.Filename, ext)
	w.seq++
	rotated := fmt.Sprintf("%s.%s.%03d%s", prefix, w.openedAt.Format(w.layout), w.seq, ext)
	if err := os.Rename(w.conf.Filename, rotated); err != nil {
		return err
	}
	os.Chmod(rotated, w.rotatePerm)

	go w.deleteOld(prefix, ext, now)
	return w.open()
}

func (w *rotateWriter) deleteOld(prefix, ext string, now time.Time) {
	if w.conf.MaxDays <= 0 {
		return
	}
	deadline := now.Add(-24 * time.Hour * time.Duration(w.conf.MaxDays))
	matches, err := filepath.Glob(prefix + ".*" + ext)
	if err != nil {
		return
	}
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(deadline) {
			os.Remove(path)
		}
	}
}

func (w *rotateWriter) flushRoutine() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mtx.Lock()
			w.flushLocked()
			w.mtx.Unlock()
		case <-w.quit:
			return
		}
	}
}

// Close flushes buffered records and closes the file.
func (w *rotateWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.quit)
		w.mtx.Lock()
		defer w.mtx.Unlock()
		err = w.flushLocked()
		w.file.Sync()
		w.file.Close()
		w.file = nil
	})
	return err
}
