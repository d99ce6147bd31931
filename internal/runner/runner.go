// Package runner produces the frames of an execution on the server side of the stream.
package runner

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ignatij/execflow/pkg/models"
)

// CommandNotAllowedMessage is the error of executions no runner accepts.
const CommandNotAllowedMessage = "command not allowed"

// Emit delivers one frame to the client and the history. Frames are emitted in order.
type Emit func(frame models.Frame) error

// Runner performs the remote command of a start frame. It must emit exactly one
// terminal frame unless ctx is cancelled first.
type Runner interface {
	Run(ctx context.Context, start models.StartFrame, emit Emit) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, start models.StartFrame, emit Emit) error

func (f RunnerFunc) Run(ctx context.Context, start models.StartFrame, emit Emit) error {
	return f(ctx, start, emit)
}

// Now is the clock used for frame timestamps.
var Now = func() time.Time { return time.Now().UTC() }

// Timestamp formats t the way frames carry it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewFrame returns a frame of the given type with the envelope of start filled in.
func NewFrame(start models.StartFrame, frameType models.FrameType) models.Frame {
	source := models.ShellSourceLabel
	if start.KubernetesEquivalent {
		source = models.KubectlEquivalentSourceLabel
	}
	mode := start.Mode
	if mode != models.DryRunExecutionMode {
		mode = models.ApplyExecutionMode
	}
	return models.Frame{
		Type:        frameType,
		ExecutionID: start.ExecutionID,
		Timestamp:   Timestamp(Now()),
		Mode:        mode,
		SourceLabel: source,
	}
}

// ErrorFrame is a failed terminal frame with a human readable and a raw error.
func ErrorFrame(start models.StartFrame, message, raw string) models.Frame {
	f := NewFrame(start, models.ErrorFrameType)
	f.Status = models.FailedExecutionStatus
	f.Error = message
	f.RawError = raw
	return f
}

// ResourceAccumulator infers resource changes from kubectl-style output lines.
type ResourceAccumulator struct {
	mu        sync.Mutex
	resources models.ResourcesChanged
}

// NoteLine counts a line that clearly reports a created, configured, unchanged
// or deleted resource.
func (a *ResourceAccumulator) NoteLine(line string) {
	lower := strings.ToLower(line)

	a.mu.Lock()
	defer a.mu.Unlock()

	if strings.Contains(lower, " created") || strings.HasPrefix(lower, "created ") {
		a.resources.Created++
	}
	if strings.Contains(lower, " configured") || strings.HasPrefix(lower, "configured ") {
		a.resources.Configured++
	}
	if strings.Contains(lower, " unchanged") || strings.Contains(lower, "no changes") {
		a.resources.Unchanged++
	}
	if strings.Contains(lower, " deleted") || strings.HasPrefix(lower, "deleted ") {
		a.resources.Deleted++
	}
}

// Snapshot returns the counts, or nil when nothing matched.
func (a *ResourceAccumulator) Snapshot() *models.ResourcesChanged {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.resources == (models.ResourcesChanged{}) {
		return nil
	}
	rc := a.resources
	return &rc
}
