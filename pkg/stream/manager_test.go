package stream_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ignatij/execflow/pkg/models"
	"github.com/ignatij/execflow/pkg/stream"
	"github.com/ignatij/execflow/pkg/stream/streamtest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Debugf(format string, args ...interface{}) {}
func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Warnf(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

type event struct {
	kind        string
	executionID string
	frame       models.Frame
	err         error
}

// recorder is a Handler that keeps every event it receives.
type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) HandleFrame(frame models.Frame) {
	r.add(event{kind: "frame", executionID: frame.ExecutionID, frame: frame})
}

func (r *recorder) HandleSendError(executionID string, err error) {
	r.add(event{kind: "send_error", executionID: executionID, err: err})
}

func (r *recorder) HandleTransportError(executionID string, err error) {
	r.add(event{kind: "transport_error", executionID: executionID, err: err})
}

func (r *recorder) HandleClosed(executionID string) {
	r.add(event{kind: "closed", executionID: executionID})
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

type dropCounter struct {
	mu      sync.Mutex
	reasons []string
}

func (d *dropCounter) FrameDropped(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, reason)
}

func (d *dropCounter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reasons)
}

func lineFrame(executionID, text string) models.Frame {
	return models.Frame{
		Type:        models.LineFrameType,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Mode:        models.ApplyExecutionMode,
		SourceLabel: models.ShellSourceLabel,
		Stream:      models.StdoutStream,
		Text:        text,
	}
}

func TestManager(t *testing.T) {
	newManager := func() (*stream.Manager, *streamtest.Dialer, *recorder) {
		dialer := streamtest.NewDialer()
		rec := &recorder{}
		return stream.NewManager(dialer, rec, logger{}), dialer, rec
	}
	startFrame := func(executionID string) models.StartFrame {
		return models.StartExecutionOptions{
			Command: "kubectl",
			Args:    []string{"apply", "-f", "app.yaml"},
			Mode:    models.DryRunExecutionMode,
		}.StartFrame(executionID)
	}

	t.Run("SendsStartFrameOnOpen", func(t *testing.T) {
		m, dialer, _ := newManager()
		m.Open(startFrame("exec-1"))

		conn, err := dialer.Next()
		require.NoError(t, err)
		start, err := conn.WaitStart()
		require.NoError(t, err)
		assert.Equal(t, models.StartFrameType, start.Type)
		assert.Equal(t, "exec-1", start.ExecutionID)
		assert.Equal(t, "kubectl", start.Command)
		assert.Equal(t, []string{"apply", "-f", "app.yaml"}, start.Args)
		assert.True(t, start.DryRun)

		id, ok := m.ActiveExecutionID()
		assert.True(t, ok)
		assert.Equal(t, "exec-1", id)
	})

	t.Run("DeliversFramesInOrder", func(t *testing.T) {
		m, dialer, rec := newManager()
		m.Open(startFrame("exec-1"))
		conn, err := dialer.Next()
		require.NoError(t, err)
		_, err = conn.WaitStart()
		require.NoError(t, err)

		require.NoError(t, conn.Push(lineFrame("exec-1", "first")))
		require.NoError(t, conn.PushRaw([]byte("{not json")))
		require.NoError(t, conn.Push(lineFrame("exec-1", "second")))

		assert.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
		events := rec.snapshot()
		assert.Equal(t, "first", events[0].frame.Text)
		assert.Equal(t, "second", events[1].frame.Text)
		assert.False(t, conn.Closed())
	})

	t.Run("DropsFramesOfOtherExecutions", func(t *testing.T) {
		m, dialer, rec := newManager()
		drops := &dropCounter{}
		m.SetMetrics(drops)
		m.Open(startFrame("exec-1"))
		conn, err := dialer.Next()
		require.NoError(t, err)
		_, err = conn.WaitStart()
		require.NoError(t, err)

		require.NoError(t, conn.Push(lineFrame("exec-0", "late")))
		require.NoError(t, conn.Push(lineFrame("", "anonymous")))
		require.NoError(t, conn.Push(lineFrame("exec-1", "mine")))

		assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "mine", rec.snapshot()[0].frame.Text)
		assert.Equal(t, 2, drops.count())
	})

	t.Run("TerminalFrameClosesConnection", func(t *testing.T) {
		m, dialer, rec := newManager()
		m.Open(startFrame("exec-1"))
		conn, err := dialer.Next()
		require.NoError(t, err)
		_, err = conn.WaitStart()
		require.NoError(t, err)

		require.NoError(t, conn.Push(models.Frame{
			Type:        models.CompleteFrameType,
			ExecutionID: "exec-1",
			Status:      models.SucceededExecutionStatus,
		}))

		assert.Eventually(t, conn.Closed, time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool {
			_, ok := m.ActiveExecutionID()
			return !ok
		}, time.Second, 5*time.Millisecond)
		assert.Len(t, rec.snapshot(), 1)

		// Closing again is a no-op
		assert.False(t, m.Close())
		assert.NoError(t, conn.Close())
	})

	t.Run("OpenSupersedesPreviousSession", func(t *testing.T) {
		m, dialer, rec := newManager()
		m.Open(startFrame("exec-1"))
		first, err := dialer.Next()
		require.NoError(t, err)
		_, err = first.WaitStart()
		require.NoError(t, err)

		m.Open(startFrame("exec-2"))
		second, err := dialer.Next()
		require.NoError(t, err)
		_, err = second.WaitStart()
		require.NoError(t, err)

		assert.True(t, first.Closed())
		assert.False(t, second.Closed())
		assert.Error(t, first.Push(lineFrame("exec-1", "late")))

		require.NoError(t, second.Push(lineFrame("exec-2", "fresh")))
		assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
		events := rec.snapshot()
		assert.Equal(t, "exec-2", events[0].executionID)
		for _, e := range events {
			assert.NotEqual(t, "closed", e.kind)
			assert.NotEqual(t, "transport_error", e.kind)
		}
	})

	t.Run("SendFailureIsReported", func(t *testing.T) {
		m, dialer, rec := newManager()
		dialer.FailSends(errors.New("write: broken pipe"))
		m.Open(startFrame("exec-1"))

		assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
		e := rec.snapshot()[0]
		assert.Equal(t, "send_error", e.kind)
		assert.Equal(t, "exec-1", e.executionID)
		assert.EqualError(t, e.err, "write: broken pipe")
		_, ok := m.ActiveExecutionID()
		assert.False(t, ok)
	})

	t.Run("DialFailureIsTransportError", func(t *testing.T) {
		m, dialer, rec := newManager()
		dialer.FailDials(errors.New("connection refused"))
		m.Open(startFrame("exec-1"))

		assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "transport_error", rec.snapshot()[0].kind)
	})

	t.Run("ServerCloseIsReported", func(t *testing.T) {
		m, dialer, rec := newManager()
		m.Open(startFrame("exec-1"))
		conn, err := dialer.Next()
		require.NoError(t, err)
		_, err = conn.WaitStart()
		require.NoError(t, err)

		conn.CloseFromServer()
		assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "closed", rec.snapshot()[0].kind)
		assert.True(t, conn.Closed())
	})

	t.Run("ReadFailureIsTransportError", func(t *testing.T) {
		m, dialer, rec := newManager()
		m.Open(startFrame("exec-1"))
		conn, err := dialer.Next()
		require.NoError(t, err)
		_, err = conn.WaitStart()
		require.NoError(t, err)

		conn.Break(errors.New("connection reset by peer"))
		assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "transport_error", rec.snapshot()[0].kind)
	})

	t.Run("CloseWithoutSession", func(t *testing.T) {
		m, _, _ := newManager()
		assert.False(t, m.Close())
		assert.False(t, m.Close())
	})
}

func TestStartFrameWireFormat(t *testing.T) {
	dryRun := false
	frame := models.StartExecutionOptions{
		Command: "kubectl",
		Mode:    models.DryRunExecutionMode,
		DryRun:  &dryRun,
	}.StartFrame("exec-1")

	payload, err := json.Marshal(frame)
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &wire))
	assert.Equal(t, []interface{}{}, wire["args"])
	assert.Equal(t, false, wire["dryRun"])
	assert.Equal(t, false, wire["kubernetesEquivalent"])
	assert.Equal(t, "", wire["yaml"])
	for _, key := range []string{"executionId", "command", "mode", "workingDir", "label", "namespace",
		"context", "userAction", "allowClusterWide", "resource", "action", "intent"} {
		assert.Contains(t, wire, key)
	}
}
