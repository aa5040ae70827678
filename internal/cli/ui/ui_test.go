package ui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xleth/internal/api"
)

type fakeSource struct {
	health   *api.HealthResponse
	metrics  *api.MetricsResponse
	solution *api.SolutionResponse
	err      error
	stops    int
}

func (f *fakeSource) GetHealth() (*api.HealthResponse, error)     { return f.health, f.err }
func (f *fakeSource) GetMetrics() (*api.MetricsResponse, error)   { return f.metrics, f.err }
func (f *fakeSource) GetSolution() (*api.SolutionResponse, error) { return f.solution, f.err }

func (f *fakeSource) Stop() (bool, error) {
	f.stops++
	return true, nil
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func TestPollUpdatesView(t *testing.T) {
	src := &fakeSource{
		health: &api.HealthResponse{Status: "healthy", Backend: "sim"},
		metrics: &api.MetricsResponse{
			Phase: "polling", Platform: "Xilinx", HaveEpoch: true, Epoch: 2,
			DAGChunksDone: 1, DAGChunksTotal: 4, Target: "0x00000015798ee230",
			Passes: 3, HashRateMHs: 1.25,
		},
	}
	m := NewModel(src, time.Millisecond)
	m, _ = update(t, m, fetch(src))

	assert.InDelta(t, 0.25, m.DAGProgress(), 1e-9)
	view := m.View()
	assert.Contains(t, view, "healthy (sim)")
	assert.Contains(t, view, "Xilinx")
	assert.Contains(t, view, "1.25 MH/s")
	assert.Contains(t, m.Events[len(m.Events)-1], "phase polling")
}

func TestPollErrorAndRecovery(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	m := NewModel(src, time.Millisecond)

	m, _ = update(t, m, fetch(src))
	require.Error(t, m.Err)
	assert.Contains(t, m.View(), "unreachable")
	n := len(m.Events)

	m, _ = update(t, m, fetch(src))
	assert.Len(t, m.Events, n, "repeated failures are logged once")

	src.err = nil
	src.health = &api.HealthResponse{Status: "healthy"}
	src.metrics = &api.MetricsResponse{Phase: "ready"}
	m, _ = update(t, m, fetch(src))
	assert.NoError(t, m.Err)
	assert.Contains(t, m.Events[len(m.Events)-2], "controller reachable")
}

func TestCopySolution(t *testing.T) {
	src := &fakeSource{
		health:   &api.HealthResponse{Status: "healthy"},
		metrics:  &api.MetricsResponse{Phase: "found"},
		solution: &api.SolutionResponse{NonceHex: "0x000000000000002a", MixHash: "0xabcd"},
	}
	m := NewModel(src, time.Millisecond)
	var copied string
	m.Copy = func(s string) error {
		copied = s
		return nil
	}

	m, cmd := update(t, m, key("c"))
	assert.Nil(t, cmd)
	assert.Empty(t, copied, "nothing to copy before a solution")

	m, _ = update(t, m, fetch(src))
	m, cmd = update(t, m, key("c"))
	assert.NotNil(t, cmd)
	assert.Equal(t, "0x000000000000002a 0xabcd", copied)
	assert.True(t, m.ShowCopyNotice)
	assert.Contains(t, m.View(), "copied to clipboard")

	m, _ = update(t, m, hideCopyNoticeMsg{})
	assert.False(t, m.ShowCopyNotice)
}

func TestStopKey(t *testing.T) {
	src := &fakeSource{}
	m := NewModel(src, time.Millisecond)

	_, cmd := update(t, m, key("s"))
	require.NotNil(t, cmd)
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		require.Len(t, batch, 1)
		msg = batch[0]()
	}
	res, ok := msg.(stopResultMsg)
	require.True(t, ok)
	assert.True(t, res.stopped)
	assert.Equal(t, 1, src.stops)

	m, _ = update(t, m, res)
	assert.Contains(t, m.Events[len(m.Events)-1], "search stop requested")
}

func TestQuitKey(t *testing.T) {
	m := NewModel(&fakeSource{}, time.Millisecond)
	_, cmd := update(t, m, key("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
