package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"readaloud/internal/domain"
	"readaloud/internal/ports"
)

const (
	defaultChunkSize  = 4096
	startupGrace      = 250 * time.Millisecond
	interruptDeadline = 1200 * time.Millisecond
)

// encoderArgs maps a container mime type to the ffmpeg output arguments that
// produce it on stdout.
var encoderArgs = map[string][]string{
	"audio/webm":             {"-c:a", "libopus", "-f", "webm"},
	"audio/webm;codecs=opus": {"-c:a", "libopus", "-f", "webm"},
	"audio/ogg;codecs=opus":  {"-c:a", "libopus", "-f", "ogg"},
	"audio/mp4":              {"-c:a", "aac", "-f", "mp4", "-movflags", "frag_keyframe+empty_moov"},
	"audio/wav":              {"-c:a", "pcm_s16le", "-f", "wav"},
}

// FFMPEGCapture records the local microphone through ffmpeg. Only one device
// may be open at a time.
type FFMPEGCapture struct {
	command string
	cfg     ports.AudioConfig
	logger  *zap.Logger

	mu    sync.Mutex
	inUse bool
}

func NewFFMPEGCapture(command string, cfg ports.AudioConfig, logger *zap.Logger) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFMPEGCapture{
		command: command,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "ffmpeg_capture")),
	}
}

// Open claims the microphone. The ffmpeg process is not started until Start.
func (c *FFMPEGCapture) Open(_ context.Context) (ports.AudioDevice, error) {
	path, err := exec.LookPath(c.command)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceNotFound, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse {
		return nil, domain.ErrSessionBusy
	}
	c.inUse = true

	return &ffmpegDevice{
		capture: c,
		path:    path,
		chunks:  make(chan []byte, 256),
		exited:  make(chan struct{}),
	}, nil
}

func (c *FFMPEGCapture) release() {
	c.mu.Lock()
	c.inUse = false
	c.mu.Unlock()
}

// SupportedFormats lists the mime types ffmpeg can be asked to produce.
func SupportedFormats() []string {
	return slices.Sorted(maps.Keys(encoderArgs))
}

type ffmpegDevice struct {
	capture *FFMPEGCapture
	path    string
	chunks  chan []byte
	exited  chan struct{}

	mu       sync.Mutex
	process  *os.Process
	stderr   *bytes.Buffer
	started  bool
	stopping bool
	waitErr  error
	err      error

	stopOnce  sync.Once
	stopErr   error
	closeOnce sync.Once
}

func (d *ffmpegDevice) NegotiateFormat(candidates []string) string {
	for _, candidate := range candidates {
		if _, ok := encoderArgs[candidate]; ok {
			return candidate
		}
	}
	return ""
}

func (d *ffmpegDevice) Start(ctx context.Context, mimeType string) error {
	encoder, ok := encoderArgs[mimeType]
	if !ok {
		return fmt.Errorf("%w: unsupported format %q", domain.ErrCaptureFailed, mimeType)
	}
	cfg := d.capture.cfg

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
	}
	args = append(args, encoder...)
	args = append(args, "-")

	cmd := exec.CommandContext(ctx, d.path, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: ffmpeg stdout pipe: %v", domain.ErrCaptureFailed, err)
	}

	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("%w: device already started", domain.ErrSessionBusy)
	}
	if err := cmd.Start(); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: start ffmpeg: %v", domain.ErrCaptureFailed, err)
	}
	d.started = true
	d.process = cmd.Process
	d.stderr = stderr
	d.mu.Unlock()

	go d.readLoop(cmd, stdout, cfg.ChunkSize)

	select {
	case <-d.exited:
		d.mu.Lock()
		err := d.err
		d.mu.Unlock()
		if err == nil {
			err = errors.New("ffmpeg exited before capture started")
		}
		return err
	case <-time.After(startupGrace):
	}

	d.capture.logger.Debug("ffmpeg capture started",
		zap.String("mimeType", mimeType),
		zap.String("input", cfg.InputFormat+":"+cfg.InputDevice),
	)
	return nil
}

// readLoop forwards stdout in chunks until EOF, then reaps the process.
func (d *ffmpegDevice) readLoop(cmd *exec.Cmd, stdout io.Reader, chunkSize int) {
	defer close(d.exited)
	defer close(d.chunks)

	var readErr error
	for {
		buf := make([]byte, chunkSize)
		n, err := stdout.Read(buf)
		if n > 0 {
			d.chunks <- buf[:n]
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				readErr = err
			}
			break
		}
	}

	waitErr := cmd.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.waitErr = waitErr
	if d.stopping {
		return
	}
	switch {
	case readErr != nil:
		d.err = fmt.Errorf("%w: read ffmpeg output: %v", domain.ErrCaptureFailed, readErr)
	case waitErr != nil:
		d.err = classifyStderr(waitErr, d.stderr.String())
	}
}

func (d *ffmpegDevice) Chunks() <-chan []byte {
	return d.chunks
}

// Stop interrupts ffmpeg so it can flush the container trailer, killing it if
// it does not exit in time.
func (d *ffmpegDevice) Stop() error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		started := d.started
		d.stopping = true
		process := d.process
		d.mu.Unlock()
		if !started {
			return
		}

		_ = process.Signal(os.Interrupt)
		select {
		case <-d.exited:
		case <-time.After(interruptDeadline):
			d.capture.logger.Warn("ffmpeg ignored interrupt, killing")
			_ = process.Kill()
			<-d.exited
		}

		d.mu.Lock()
		d.stopErr = normalizeStopErr(d.waitErr)
		if d.stopErr != nil && d.stderr.Len() > 0 {
			d.stopErr = fmt.Errorf("%w: %s", d.stopErr, stringsTrimSpaceSafe(d.stderr.String()))
		}
		d.mu.Unlock()
	})
	return d.stopErr
}

// Close stops any running capture and gives the microphone back.
func (d *ffmpegDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.Stop()
		d.mu.Lock()
		if !d.started {
			close(d.chunks)
			close(d.exited)
		}
		d.mu.Unlock()
		d.capture.release()
	})
	return err
}

func (d *ffmpegDevice) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// classifyStderr maps an ffmpeg failure to the capture error it represents.
func classifyStderr(err error, stderr string) error {
	detail := stringsTrimSpaceSafe(stderr)
	if detail == "" {
		detail = err.Error()
	}
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "operation not permitted"),
		strings.Contains(lower, "access denied"):
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, detail)
	case strings.Contains(lower, "no such file or directory"),
		strings.Contains(lower, "no such device"),
		strings.Contains(lower, "cannot open audio device"),
		strings.Contains(lower, "unknown input format"):
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrCaptureFailed, detail)
	}
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func stringsTrimSpaceSafe(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}
