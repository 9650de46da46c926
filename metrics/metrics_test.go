package metrics

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type captureLogger struct {
	got []*RunSummary
}

func (c *captureLogger) Log(info *RunSummary) {
	c.got = append(c.got, info)
}

func TestCollectorAccumulates(t *testing.T) {
	capture := &captureLogger{}
	m := NewMetricsCollector("run-1", capture)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Window()
			m.Corrupt("S2A_T36KWA_20170101", "read failed")
		}()
	}
	wg.Wait()

	m.Considered(5)
	m.Used(3)
	m.Exclude("a", ReasonNoOverlap, "")
	m.BandNoData(20, "B8A", 100, 25)
	m.BandNoData(10, "B02", 400, 0)
	m.Output("/out/mosaic_10m_B02.tif")
	m.Finish(nil)
	m.Log()

	require.Len(t, capture.got, 1)
	info := capture.got[0]
	assert.Equal(t, 8, info.Windows)
	assert.Equal(t, 8, info.CorruptReads)
	assert.Equal(t, map[string]int{ReasonCorrupt: 1, ReasonNoOverlap: 1}, info.ExclusionCounts())
	assert.Equal(t, StatusSucceeded, info.Status)
	assert.Equal(t, 10, info.Bands[0].Resolution)
	assert.InDelta(t, 25.0, info.Bands[1].NoDataPercent, 1e-9)
	assert.False(t, info.Finished.Before(info.Started))
}

func TestFinishRecordsFailure(t *testing.T) {
	m := NewMetricsCollector("run-2")
	m.Finish(errors.New("No scenes found"))
	assert.Equal(t, StatusFailed, m.Info.Status)
	assert.Equal(t, "No scenes found", m.Info.Error)
}

func TestToJSONDoesNotEscape(t *testing.T) {
	m := NewMetricsCollector("run-3")
	m.Setting("pattern", `tile == "36KWA" && level == "2A"`)
	s, err := m.Info.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, s, `&&`)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &decoded))
	assert.Equal(t, "run-3", decoded["run_id"])
}

func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := NewZapLogger(zap.New(core))

	m := NewMetricsCollector("run-4", l)
	m.Finish(nil)
	m.Log()

	m.Finish(errors.New("boom"))
	m.Log()

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, "run-4", entries[0].ContextMap()["run_id"])
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}

func TestFileLoggerRotates(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLogger(dir, 1, 2, true, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		m := NewMetricsCollector("run", l)
		m.Finish(nil)
		m.Log()
	}
	l.Close()

	_, err = os.Stat(filepath.Join(dir, "runs"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "runs.0"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "runs.1"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "runs.2"))
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(filepath.Join(dir, "runs"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}

func TestWriteReport(t *testing.T) {
	m := NewMetricsCollector("run-5")
	m.Setting("algorithm", "temporal-homogeneity")
	m.Considered(4)
	m.Used(2)
	m.Exclude("S2B_T36KWA_20170105", ReasonSuperseded, "newer processing baseline")
	m.BandNoData(10, "B02", 200, 50)
	m.Output("/out/mosaic_10m_B02.tif")
	m.Finish(nil)

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, m.Info))

	out := buf.String()
	assert.Contains(t, out, "Mosaic run run-5")
	assert.Contains(t, out, "Status:     succeeded")
	assert.Contains(t, out, "algorithm:")
	assert.Contains(t, out, "temporal-homogeneity")
	assert.Contains(t, out, "Scenes considered: 4")
	assert.Contains(t, out, "superseded       S2B_T36KWA_20170105: newer processing baseline")
	assert.Contains(t, out, " 10m B02   25.00% (50 of 200)")
	assert.Contains(t, out, "/out/mosaic_10m_B02.tif")
	assert.True(t, strings.HasSuffix(out, "\n"))
}
