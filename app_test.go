package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/tudolapse/stabilize"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

var testCanvas = stabilize.Size{Width: 1000, Height: 1000}

func face(lx, ly, rx, ry float64) stabilize.FaceLandmarks {
	return stabilize.FaceLandmarks{
		LeftEye:             stabilize.Point{X: lx, Y: ly},
		RightEye:            stabilize.Point{X: rx, Y: ry},
		FaceBounds:          stabilize.NewBoundingBox(0.3, 0.3, 0.7, 0.8),
		DetectionConfidence: 0.9,
	}
}

// faceJob returns a tilted face frame with a level goal
func faceJob(frameID string) *stabilize.FrameJob {
	return &stabilize.FrameJob{
		FrameID:          frameID,
		ReferenceFrameID: "ref",
		ContentType:      stabilize.ContentFace,
		Canvas:           testCanvas,
		Detection:        stabilize.LandmarkSet{ReferenceLandmarks: face(0.38, 0.52, 0.59, 0.47)},
		Goal:             stabilize.LandmarkSet{ReferenceLandmarks: face(0.4, 0.5, 0.6, 0.5)},
	}
}

func writeJob(t *testing.T, dir string, job *stabilize.FrameJob) string {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	path := filepath.Join(dir, job.FrameID+".json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// testApp returns an App with defaults, rooted in a temp data dir
func testApp(t *testing.T) *App {
	t.Helper()
	a := NewApp()
	a.DataDir = t.TempDir()
	require.NoError(t, a.LoadConfig())
	require.NoError(t, a.Setup(nil))
	t.Cleanup(a.Close)
	return a
}

// ---------------------------------------------------------------------------
// App
// ---------------------------------------------------------------------------

func TestApp_LoadConfigDefaults(t *testing.T) {
	a := NewApp()
	a.DataDir = t.TempDir()
	require.NoError(t, a.LoadConfig())
	assert.Equal(t, 4, a.Config.Jobs.Workers)
	assert.Equal(t, filepath.Join(a.DataDir, "out"), a.resolve(a.Config.Output.Dir))
	assert.Equal(t, "/abs/path", a.resolve("/abs/path"))
}

func TestApp_LoadConfigFile(t *testing.T) {
	a := NewApp()
	a.DataDir = t.TempDir()
	cfg := stabilize.DefaultConfig()
	cfg.Jobs.Workers = 7
	require.NoError(t, stabilize.SaveConfig(filepath.Join(a.DataDir, "config.yaml"), cfg))

	require.NoError(t, a.LoadConfig())
	assert.Equal(t, 7, a.Config.Jobs.Workers)

	require.NoError(t, os.WriteFile(filepath.Join(a.DataDir, "config.yaml"), []byte("jobs: ["), 0644))
	assert.Error(t, a.LoadConfig())
}

func TestCollectJobs(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, faceJob("b"))
	writeJob(t, dir, faceJob("a"))
	single := writeJob(t, t.TempDir(), faceJob("c"))

	jobs, err := CollectJobs([]string{dir, single})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "a", jobs[0].FrameID)
	assert.Equal(t, "b", jobs[1].FrameID)
	assert.Equal(t, "c", jobs[2].FrameID)

	_, err = CollectJobs([]string{filepath.Join(dir, "missing.json")})
	assert.Error(t, err)
}

func TestApp_RunStabilize(t *testing.T) {
	a := testApp(t)
	dir := t.TempDir()
	writeJob(t, dir, faceJob("f1"))
	writeJob(t, dir, faceJob("f2"))

	require.NoError(t, a.RunStabilize(context.Background(), []string{dir}, stabilize.ModeFast))

	summaries, err := a.Store.ListResults(0)
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
	for _, s := range summaries {
		assert.Equal(t, stabilize.ModeFast, s.Mode)
	}

	_, err = os.Stat(filepath.Join(a.DataDir, "out", "f1.overlay.svg"))
	assert.NoError(t, err)

	assert.Error(t, a.RunStabilize(context.Background(), []string{t.TempDir()}, ""), "empty directory")
	require.NoError(t, a.RunList(10))
}

func TestApp_RunRender(t *testing.T) {
	a := testApp(t)
	_, err := a.Processor.Process(context.Background(), faceJob("r1"))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "r1.png")
	path, err := a.RunRender("r1", "png", out)
	require.NoError(t, err)
	assert.Equal(t, out, path)
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	_, err = a.RunRender("missing", "svg", "")
	assert.ErrorIs(t, err, stabilize.ErrResultNotFound)
}

func TestApp_Enqueue(t *testing.T) {
	a := NewApp()
	assert.Error(t, a.Enqueue(faceJob("x")), "no service running")

	a.queue = make(chan *stabilize.FrameJob, 1)
	require.NoError(t, a.Enqueue(faceJob("x")))
	assert.Error(t, a.Enqueue(faceJob("y")), "queue full")
}

func TestApp_RunServiceTakesMQTTJobs(t *testing.T) {
	a := NewApp()
	a.DataDir = t.TempDir()
	require.NoError(t, a.LoadConfig())

	mock := stabilize.NewMockClient()
	a.newMQTTClient = func(cfg stabilize.MQTTConfig, h stabilize.JobHandler) *stabilize.MQTTClient {
		return stabilize.NewMQTTClientFrom(mock, cfg, h)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.RunService(ctx, ServiceOptions{MQTT: true}) }()

	// the first delivery can arrive as soon as the subscription exists
	require.Eventually(t, func() bool { return len(mock.Subscriptions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	data, err := json.Marshal(faceJob("mqtt-1"))
	require.NoError(t, err)
	require.True(t, mock.SimulateMessage(stabilize.DefaultConfig().MQTT.JobTopic, data))

	require.Eventually(t, func() bool {
		status, ok := a.Tracker.Get("mqtt-1")
		return ok && status.State == stabilize.FrameDone
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, mock.Messages("tudolapse/results/mqtt-1"), 1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunService did not stop")
	}
	a.Close()
}
