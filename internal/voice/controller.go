package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hubd/internal/common/fsutil"
	"hubd/internal/task"
	"hubd/pkg/types"
)

// alreadyTrainingError signals a second Train on a voice whose run is
// still live.
type alreadyTrainingError struct{ voice string }

func (e alreadyTrainingError) Error() string {
	return "training already in progress for voice: " + e.voice
}

// IsAlreadyTraining reports whether err means a live run holds the voice.
func IsAlreadyTraining(err error) bool {
	_, ok := err.(alreadyTrainingError)
	return ok
}

// Options configures a Controller.
type Options struct {
	// PollInterval between training status polls. Zero means 500ms.
	PollInterval time.Duration
	// TrainTimeout bounds one training run. Zero means 30 minutes.
	TrainTimeout time.Duration
}

// JobStatus pairs a voice name with the snapshot of its latest run.
type JobStatus struct {
	Voice string        `json:"voice"`
	Task  task.Snapshot `json:"task"`
}

type job struct {
	voice  string
	taskID string
}

// Controller owns voice training runs: at most one live run per voice
// name, each driven by polling the server until it settles.
type Controller struct {
	mu     sync.Mutex
	jobs   map[string]*job
	voices []Voice

	client *Client
	runner *task.Runner
	opts   Options
	log    zerolog.Logger
}

// NewController returns a controller with no runs and an empty voice cache.
func NewController(client *Client, runner *task.Runner, opts Options, log zerolog.Logger) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.TrainTimeout <= 0 {
		opts.TrainTimeout = 30 * time.Minute
	}
	return &Controller{
		jobs:   make(map[string]*job),
		client: client,
		runner: runner,
		opts:   opts,
		log:    log,
	}
}

// Train starts a training run for req.Voice from a local audio sample. A
// voice with a live run refuses a second one; a settled run may be retried
// and replaces the old job record.
func (c *Controller) Train(req types.TrainRequest) (*task.Handle, error) {
	if req.Voice == "" {
		return nil, errors.New("voice name is required")
	}
	audioPath, err := fsutil.ExpandHome(req.AudioPath)
	if err != nil {
		return nil, err
	}
	if !fsutil.PathExists(audioPath) {
		return nil, fmt.Errorf("audio sample not found: %s", req.AudioPath)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if j, ok := c.jobs[req.Voice]; ok {
		if snap, live := c.runner.Snapshot(j.taskID); live && !snap.Status.Terminal() {
			return nil, alreadyTrainingError{voice: req.Voice}
		}
	}

	h := c.runner.Spawn("train "+req.Voice, func(ctx context.Context, report task.Report) error {
		ctx, cancel := context.WithTimeout(ctx, c.opts.TrainTimeout)
		defer cancel()
		return c.runTraining(ctx, req, audioPath, report)
	})
	c.jobs[req.Voice] = &job{voice: req.Voice, taskID: h.ID()}
	c.log.Info().Str("voice", req.Voice).Str("task", h.ID()).Msg("voice training started")
	return h, nil
}

// runTraining is the body of one training task: submit the sample, then
// poll until the server settles the run. Cancellation is forwarded to the
// server so it can stop burning cycles.
func (c *Controller) runTraining(ctx context.Context, req types.TrainRequest, audioPath string, report task.Report) error {
	report(0, "encoding sample")
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return fmt.Errorf("read audio sample: %w", err)
	}
	remoteID, err := c.client.StartTrain(ctx, trainPayload{
		Voice:      req.Voice,
		Audio:      base64.StdEncoding.EncodeToString(audio),
		Transcript: req.Transcript,
		Quality:    req.Quality,
		Language:   req.Language,
		Denoise:    req.Denoise,
	})
	if err != nil {
		return err
	}
	report(0, "submitted")

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Forward the cancel on a fresh context; ours is already dead.
			cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.client.CancelTrain(cctx, remoteID); err != nil {
				c.log.Warn().Str("voice", req.Voice).Err(err).Msg("remote training cancel failed")
			}
			ccancel()
			return ctx.Err()
		case <-ticker.C:
		}

		st, err := c.client.TrainStatusOf(ctx, remoteID)
		if err != nil {
			if ctx.Err() != nil {
				continue // the ctx.Done branch will run the cancel path
			}
			return err
		}
		switch st.Status {
		case "done":
			report(1, "finished")
			c.refreshVoices()
			return nil
		case "failed":
			if st.Error != "" {
				return errors.New(st.Error)
			}
			return errors.New("training failed")
		default:
			report(st.Progress, st.Stage)
		}
	}
}

// refreshVoices replaces the cached voice list after a successful run.
func (c *Controller) refreshVoices() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	voices, err := c.client.Voices(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("voice list refresh failed")
		return
	}
	c.mu.Lock()
	c.voices = voices
	c.mu.Unlock()
}

// Cancel requests cancellation of the voice's live run. False when nothing
// is running for that name.
func (c *Controller) Cancel(voiceName string) bool {
	c.mu.Lock()
	j, ok := c.jobs[voiceName]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.runner.Cancel(j.taskID)
}

// Jobs returns the latest snapshot of every known run.
func (c *Controller) Jobs() []JobStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]JobStatus, 0, len(c.jobs))
	for _, j := range c.jobs {
		if snap, ok := c.runner.Snapshot(j.taskID); ok {
			out = append(out, JobStatus{Voice: j.voice, Task: snap})
		}
	}
	return out
}

// Job returns the latest snapshot for one voice.
func (c *Controller) Job(voiceName string) (JobStatus, bool) {
	c.mu.Lock()
	j, ok := c.jobs[voiceName]
	c.mu.Unlock()
	if !ok {
		return JobStatus{}, false
	}
	snap, ok := c.runner.Snapshot(j.taskID)
	if !ok {
		return JobStatus{}, false
	}
	return JobStatus{Voice: j.voice, Task: snap}, true
}

// Voices returns the trained voices, from the server when reachable and
// from the last known list otherwise.
func (c *Controller) Voices(ctx context.Context) ([]Voice, error) {
	voices, err := c.client.Voices(ctx)
	if err != nil {
		c.mu.Lock()
		cached := c.voices
		c.mu.Unlock()
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}
	c.mu.Lock()
	c.voices = voices
	c.mu.Unlock()
	return voices, nil
}

// Synthesize renders text with a trained voice through the given speech
// model and returns the audio stream.
func (c *Controller) Synthesize(ctx context.Context, modelID string, req types.SpeechRequest) (io.ReadCloser, error) {
	if req.Text == "" {
		return nil, errors.New("text is required")
	}
	return c.client.Speak(ctx, modelID, req.Voice, req.Text, req.Speed)
}
