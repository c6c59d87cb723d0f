package recording

import (
	"fmt"
	"io"
	"log"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sclaflin/Frugal-NVR/config"
)

// State is the lifecycle state of a supervised capture pipeline.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateFailed
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateRestarting:
		return "restarting"
	}
	return "unknown"
}

// LifecycleListener receives capture pipeline state transitions.
type LifecycleListener func(camera string, token ProcessToken)

// LifecyclePublisher fans state transitions out to registered listeners.
type LifecyclePublisher struct {
	mu      sync.Mutex
	started []LifecycleListener
	stopped []LifecycleListener
	failed  []LifecycleListener
}

func (p *LifecyclePublisher) OnStarted(fn LifecycleListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = append(p.started, fn)
}

func (p *LifecyclePublisher) OnStopped(fn LifecycleListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = append(p.stopped, fn)
}

func (p *LifecyclePublisher) OnFailed(fn LifecycleListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, fn)
}

func (p *LifecyclePublisher) publish(list []LifecycleListener, camera string, token ProcessToken) {
	p.mu.Lock()
	fns := make([]LifecycleListener, len(list))
	copy(fns, list)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(camera, token)
	}
}

// Supervisor owns the ffmpeg capture pipeline for one camera: a splitter
// process that records the RTSP stream into clock-aligned segment files and
// restreams it, plus an optional frame grabber fed from the splitter's
// stdout for thumbnail generation. Crashes are absorbed and the pipeline is
// relaunched after a delay; repeated failures collapse into a single pending
// restart.
type Supervisor struct {
	camera   config.CameraConfig
	cfg      *config.Config
	videoDir string
	scratch  string
	logger   *log.Logger
	events   *LifecyclePublisher

	mu           sync.Mutex
	state        State
	splitter     *exec.Cmd
	grabber      *exec.Cmd
	stdin        io.WriteCloser
	restartTimer *time.Timer
	stopping     bool
	generation   int
}

// NewSupervisor builds a supervisor for one camera. videoDir and scratch
// must already exist.
func NewSupervisor(camera config.CameraConfig, cfg *config.Config, videoDir, scratch string, logger *log.Logger) *Supervisor {
	return &Supervisor{
		camera:   camera,
		cfg:      cfg,
		videoDir: videoDir,
		scratch:  scratch,
		logger:   logger,
		events:   &LifecyclePublisher{},
		state:    StateStopped,
	}
}

// Events returns the supervisor's lifecycle publisher.
func (s *Supervisor) Events() *LifecyclePublisher {
	return s.events
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token returns the identity of the running splitter process, if any.
func (s *Supervisor) Token() (ProcessToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.splitter == nil || s.splitter.Process == nil || s.state != StateRunning {
		return ProcessToken{}, false
	}
	return ProcessToken{PID: s.splitter.Process.Pid, Name: "ffmpeg:" + s.camera.Name}, true
}

// OpenSegmentPath returns the file the splitter is currently writing to,
// assuming clock-aligned segmentation: the file named for the start of the
// current segment window.
func (s *Supervisor) OpenSegmentPath(now time.Time) string {
	length := int64(s.cfg.SegmentLength)
	aligned := (now.Unix() / length) * length
	name := time.Unix(aligned, 0).Format("2006-01-02T15:04:05")
	return filepath.Join(s.videoDir, name+".mkv")
}

// Start launches the capture pipeline. A pending restart makes Start a
// no-op; a running pipeline is stopped first so there is never more than one
// splitter per camera.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.state == StateStarting {
		s.mu.Unlock()
		return nil
	}
	if s.restartTimer != nil {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateRunning {
		s.mu.Unlock()
		s.Stop()
		s.mu.Lock()
	}
	s.stopping = false
	s.state = StateStarting
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	if err := s.launch(gen); err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		s.events.publish(s.events.failed, s.camera.Name, ProcessToken{})
		s.scheduleRestart()
		return err
	}
	return nil
}

func (s *Supervisor) launch(gen int) error {
	grabFrames := s.cfg.CameraGenerateThumbs(s.camera)

	args := []string{
		"-hide_banner",
		"-y",
		"-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-stimeout", "10000000",
		"-use_wallclock_as_timestamps", "1",
		"-i", s.camera.StreamSource().String(),
		"-vcodec", "copy",
		"-acodec", "copy",
		"-f", "segment",
		"-reset_timestamps", "1",
		"-segment_time", fmt.Sprintf("%d", s.cfg.SegmentLength),
		"-segment_atclocktime", "1",
		"-segment_format", "mkv",
		"-strftime", "1",
		filepath.Join(s.videoDir, "%Y-%m-%dT%H:%M:%S.mkv"),
		"-vcodec", "copy",
		"-acodec", "copy",
		"-f", "flv",
		s.cfg.RestreamBase + "/" + s.camera.Name,
	}
	if grabFrames {
		args = append(args,
			"-vcodec", "copy",
			"-an",
			"-f", "h264",
			"pipe:1",
		)
	}

	splitter := exec.Command("ffmpeg", args...)
	stdin, err := splitter.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open splitter stdin: %w", err)
	}

	var grabber *exec.Cmd
	if grabFrames {
		stdout, err := splitter.StdoutPipe()
		if err != nil {
			return fmt.Errorf("failed to open splitter stdout: %w", err)
		}
		grabber = exec.Command("ffmpeg",
			"-hide_banner",
			"-y",
			"-loglevel", "error",
			"-skip_frame", "nokey",
			"-i", "pipe:0",
			"-vf", fmt.Sprintf("scale=%d:-1", s.cfg.ThumbnailWidth),
			"-vsync", "vfr",
			"-strftime", "1",
			filepath.Join(s.scratch, "%Y-%m-%dT%H:%M:%S.jpg"),
		)
		grabber.Stdin = stdout
	}

	if err := splitter.Start(); err != nil {
		return fmt.Errorf("failed to start capture for %s: %w", s.camera.Name, err)
	}
	if grabber != nil {
		if err := grabber.Start(); err != nil {
			s.logger.Printf("[%s] frame grabber failed to start: %v", s.camera.Name, err)
			grabber = nil
		}
	}

	s.mu.Lock()
	s.splitter = splitter
	s.grabber = grabber
	s.stdin = stdin
	s.state = StateRunning
	s.mu.Unlock()

	token := ProcessToken{PID: splitter.Process.Pid, Name: "ffmpeg:" + s.camera.Name}
	s.logger.Printf("[%s] capture started (pid %d)", s.camera.Name, token.PID)
	s.events.publish(s.events.started, s.camera.Name, token)

	go s.wait(splitter, grabber, gen, token)
	return nil
}

// wait observes process exit and drives the Failed/Restarting transitions.
// The generation guard keeps a stale waiter from acting after a newer
// pipeline has been launched.
func (s *Supervisor) wait(splitter, grabber *exec.Cmd, gen int, token ProcessToken) {
	err := splitter.Wait()
	if grabber != nil {
		grabber.Process.Kill()
		grabber.Wait()
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	stopping := s.stopping
	if stopping {
		s.state = StateStopped
	} else {
		s.state = StateFailed
	}
	s.splitter = nil
	s.grabber = nil
	s.stdin = nil
	s.mu.Unlock()

	if stopping {
		s.logger.Printf("[%s] capture stopped", s.camera.Name)
		s.events.publish(s.events.stopped, s.camera.Name, token)
		return
	}

	s.logger.Printf("[%s] capture exited unexpectedly: %v", s.camera.Name, err)
	s.events.publish(s.events.failed, s.camera.Name, token)
	s.scheduleRestart()
}

// scheduleRestart arms a single delayed relaunch. A restart already pending
// absorbs further failures.
func (s *Supervisor) scheduleRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.restartTimer != nil {
		return
	}
	s.state = StateRestarting
	s.logger.Printf("[%s] restarting capture in %d seconds", s.camera.Name, s.cfg.RestartDelay)
	s.restartTimer = time.AfterFunc(time.Duration(s.cfg.RestartDelay)*time.Second, func() {
		s.mu.Lock()
		s.restartTimer = nil
		stopping := s.stopping
		s.mu.Unlock()
		if stopping {
			return
		}
		if err := s.Start(); err != nil {
			s.logger.Printf("[%s] restart failed: %v", s.camera.Name, err)
		}
	})
}

// Stop asks the splitter to finish cleanly by sending ffmpeg's quit command
// on stdin, then forces termination if it lingers. Any pending restart is
// cancelled.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopping = true
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	splitter := s.splitter
	stdin := s.stdin
	s.mu.Unlock()

	if splitter == nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return
	}

	if stdin != nil {
		if _, err := io.WriteString(stdin, "q"); err != nil {
			s.logger.Printf("[%s] failed to signal capture shutdown: %v", s.camera.Name, err)
		}
	}

	done := make(chan struct{})
	go func() {
		for {
			s.mu.Lock()
			exited := s.splitter == nil
			s.mu.Unlock()
			if exited {
				close(done)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Printf("[%s] capture did not exit in time, killing", s.camera.Name)
		splitter.Process.Kill()
	}
}
