package runner

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ignatij/execflow/pkg/models"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed default_scripts.yaml
var defaultScripts []byte

// ScriptFile is the top-level YAML document of scripted executions.
type ScriptFile struct {
	Scripts []Script `yaml:"scripts"`
}

// Script replays canned output for a command. It is matched when the command
// is equal and Args is a prefix of the requested arguments.
type Script struct {
	Name     string   `yaml:"name"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args,omitempty"`
	Steps    []Step   `yaml:"steps"`
	ExitCode int      `yaml:"exit_code"`
	Error    string   `yaml:"error,omitempty"` // Overrides the default failure message
}

// Step is either a phase marker or one output line.
type Step struct {
	Phase    string `yaml:"phase,omitempty"`
	Detail   string `yaml:"detail,omitempty"`
	Progress *int   `yaml:"progress,omitempty"`
	Total    *int   `yaml:"total,omitempty"`
	Line     string `yaml:"line,omitempty"`
	Stream   string `yaml:"stream,omitempty"` // stdout (default) | stderr
	Delay    string `yaml:"delay,omitempty"`  // Go duration, e.g. "150ms"

	delay time.Duration
}

// LoadScripts parses and validates a YAML script file.
func LoadScripts(path string) ([]Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "scripts: read %q", path)
	}
	scripts, err := ParseScripts(b)
	if err != nil {
		return nil, errors.WithMessagef(err, "scripts: %q", path)
	}
	return scripts, nil
}

// DefaultScripts are the built-in scripts used when no file is configured.
func DefaultScripts() ([]Script, error) {
	return ParseScripts(defaultScripts)
}

func ParseScripts(data []byte) ([]Script, error) {
	var f ScriptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "unmarshal scripts")
	}
	if len(f.Scripts) == 0 {
		return nil, errors.New("no scripts defined")
	}
	for i := range f.Scripts {
		if err := f.Scripts[i].validate(); err != nil {
			return nil, errors.WithMessagef(err, "script %d (%s)", i, f.Scripts[i].Name)
		}
	}
	return f.Scripts, nil
}

func (s *Script) validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("command is required")
	}
	for i := range s.Steps {
		step := &s.Steps[i]
		if (step.Phase == "") == (step.Line == "") {
			return errors.Errorf("step %d must set exactly one of phase or line", i)
		}
		switch models.StreamType(step.Stream) {
		case "", models.StdoutStream, models.StderrStream:
		default:
			return errors.Errorf("step %d: invalid stream %q", i, step.Stream)
		}
		if step.Delay != "" {
			d, err := time.ParseDuration(step.Delay)
			if err != nil || d < 0 {
				return errors.Errorf("step %d: invalid delay %q", i, step.Delay)
			}
			step.delay = d
		}
	}
	return nil
}

func (s Script) matches(start models.StartFrame) bool {
	if s.Command != start.Command || len(s.Args) > len(start.Args) {
		return false
	}
	for i, arg := range s.Args {
		if start.Args[i] != arg {
			return false
		}
	}
	return true
}

// ScriptRunner plays scripts instead of running real commands. Commands
// without a script are refused.
type ScriptRunner struct {
	scripts []Script
}

func NewScriptRunner(scripts []Script) *ScriptRunner {
	return &ScriptRunner{scripts: scripts}
}

func (r *ScriptRunner) lookup(start models.StartFrame) (Script, bool) {
	for _, s := range r.scripts {
		if s.matches(start) {
			return s, true
		}
	}
	return Script{}, false
}

func (r *ScriptRunner) Run(ctx context.Context, start models.StartFrame, emit Emit) error {
	script, ok := r.lookup(start)
	if !ok {
		raw := fmt.Sprintf("no script for %q", strings.TrimSpace(strings.Join(append([]string{start.Command}, start.Args...), " ")))
		return emit(ErrorFrame(start, CommandNotAllowedMessage, raw))
	}

	startedAt := Now()
	state := NewFrame(start, models.StateFrameType)
	state.Status = models.RunningExecutionStatus
	state.Label = start.Label
	state.Timestamp = Timestamp(startedAt)
	if err := emit(state); err != nil {
		return err
	}

	phase := NewFrame(start, models.PhaseFrameType)
	phase.Name = "Running command"
	phase.Detail = strings.TrimSpace(strings.Join(append([]string{start.Command}, start.Args...), " "))
	if err := emit(phase); err != nil {
		return err
	}

	acc := &ResourceAccumulator{}
	for _, step := range script.Steps {
		if step.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(step.delay):
			}
		}
		if step.Phase != "" {
			f := NewFrame(start, models.PhaseFrameType)
			f.Name = step.Phase
			f.Detail = step.Detail
			f.Progress = step.Progress
			f.Total = step.Total
			if err := emit(f); err != nil {
				return err
			}
			continue
		}
		text := MaskSecrets(step.Line)
		acc.NoteLine(text)
		f := NewFrame(start, models.LineFrameType)
		f.Stream = models.StdoutStream
		if step.Stream != "" {
			f.Stream = models.StreamType(step.Stream)
		}
		f.Text = text
		if err := emit(f); err != nil {
			return err
		}
	}

	completedAt := Now()
	done := NewFrame(start, models.CompleteFrameType)
	done.Timestamp = Timestamp(completedAt)
	done.Status = models.SucceededExecutionStatus
	done.Summary = &models.ExecutionSummary{
		StartedAt:        Timestamp(startedAt),
		CompletedAt:      Timestamp(completedAt),
		DurationMs:       completedAt.Sub(startedAt).Milliseconds(),
		ExitCode:         script.ExitCode,
		ResourcesChanged: acc.Snapshot(),
	}
	if script.ExitCode != 0 {
		done.Status = models.FailedExecutionStatus
		done.Error = script.Error
		if done.Error == "" {
			done.Error = fmt.Sprintf("Command exited with error (code %d)", script.ExitCode)
		}
		done.RawError = fmt.Sprintf("exit status %d", script.ExitCode)
	}
	return emit(done)
}
