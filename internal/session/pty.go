package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

const (
	ptyReadBufSize   = 4096
	ptyOutputBacklog = 256
	ptyInputBacklog  = 256
	ptyDrainTimeout  = time.Second
)

var (
	errTerminalClosed = errors.New("terminal closed")
	errInputBacklog   = errors.New("terminal input backlog full")
)

// PTYSpawner starts shells on a pseudo-terminal.
type PTYSpawner struct {
	log *zap.Logger
}

// NewPTYSpawner creates a spawner. A nil logger discards log output.
func NewPTYSpawner(log *zap.Logger) *PTYSpawner {
	if log == nil {
		log = zap.NewNop()
	}
	return &PTYSpawner{log: log}
}

// DefaultShell returns the user's login shell, falling back to /bin/sh.
func DefaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// Spawn starts opts.Shell (or the default shell) in opts.Dir.
func (s *PTYSpawner) Spawn(opts SpawnOptions) (Terminal, error) {
	info, err := os.Stat(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("working directory does not exist: %s", opts.Dir)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", opts.Dir)
	}

	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell()
	}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	cmd := exec.Command(shell)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	t := &ptyTerminal{
		log:      s.log.With(zap.String("shell", shell), zap.Int("pid", cmd.Process.Pid)),
		cmd:      cmd,
		ptmx:     ptmx,
		input:    make(chan []byte, ptyInputBacklog),
		output:   make(chan []byte, ptyOutputBacklog),
		exited:   make(chan ExitStatus, 1),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	go t.readLoop()
	go t.writeLoop()
	go t.waitLoop()

	return t, nil
}

type ptyTerminal struct {
	log  *zap.Logger
	cmd  *exec.Cmd
	ptmx *os.File

	input    chan []byte
	output   chan []byte
	exited   chan ExitStatus
	readDone chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	doneOnce  sync.Once
}

func (t *ptyTerminal) Output() <-chan []byte { return t.output }
func (t *ptyTerminal) Exited() <-chan ExitStatus { return t.exited }

// Write queues data for the writer goroutine.
func (t *ptyTerminal) Write(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case <-t.done:
		return errTerminalClosed
	default:
	}

	select {
	case t.input <- buf:
		return nil
	default:
		return errInputBacklog
	}
}

func (t *ptyTerminal) Resize(cols, rows uint16) error {
	return pty.Setsize(t.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Kill sends SIGKILL to the shell and hangs up the terminal.
func (t *ptyTerminal) Kill() error {
	var err error
	if t.cmd.Process != nil {
		if kerr := t.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = kerr
		}
	}
	t.closePTY()
	t.markDone()
	return err
}

func (t *ptyTerminal) readLoop() {
	defer close(t.readDone)
	defer close(t.output)

	if err := readChunks(t.ptmx, t.output); err != nil {
		// Linux reports EIO once the slave side is gone.
		t.log.Debug("pty read ended", zap.Error(err))
	}
}

// readChunks copies r to out until EOF. A UTF-8 sequence cut by a read is
// held back and sent with the next chunk.
func readChunks(r io.Reader, out chan<- []byte) error {
	buf := make([]byte, ptyReadBufSize+utf8.UTFMax)
	carry := 0
	for {
		n, err := r.Read(buf[carry : carry+ptyReadBufSize])
		n += carry

		hold := 0
		if err == nil {
			hold = partialRuneLen(buf[:n])
		}
		if n > hold {
			chunk := make([]byte, n-hold)
			copy(chunk, buf[:n-hold])
			out <- chunk
		}
		carry = copy(buf, buf[n-hold:n])

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (t *ptyTerminal) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case data := <-t.input:
			if _, err := t.ptmx.Write(data); err != nil {
				t.log.Warn("pty write failed", zap.Error(err))
			}
		}
	}
}

func (t *ptyTerminal) waitLoop() {
	status := exitStatus(t.cmd.Wait())

	// Background children can keep the slave open; stop waiting for them.
	select {
	case <-t.readDone:
	case <-time.After(ptyDrainTimeout):
	}
	t.closePTY()
	<-t.readDone

	t.markDone()
	t.exited <- status
	close(t.exited)
}

func (t *ptyTerminal) closePTY() {
	t.closeOnce.Do(func() {
		_ = t.ptmx.Close()
	})
}

func (t *ptyTerminal) markDone() {
	t.doneOnce.Do(func() {
		close(t.done)
	})
}

func exitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitStatus{Code: -1}
	}
	st := ExitStatus{Code: exitErr.ExitCode()}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = ws.Signal().String()
	}
	return st
}
