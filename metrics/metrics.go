package metrics

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Exclusion reasons.
const (
	ReasonInvalidFormat   = "invalid_format"
	ReasonUnclassified    = "unclassified"
	ReasonFilteredTile    = "filtered_tile"
	ReasonFilteredDate    = "filtered_date"
	ReasonFilteredLevel   = "filtered_level"
	ReasonFilteredPattern = "filtered_pattern"
	ReasonNoOverlap       = "no_overlap"
	ReasonSuperseded      = "superseded"
	ReasonCorrupt         = "corrupt"
)

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

type Exclusion struct {
	Scene  string `json:"scene"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

type BandStats struct {
	Resolution    int     `json:"resolution"`
	Band          string  `json:"band"`
	Pixels        int64   `json:"pixels"`
	NoData        int64   `json:"nodata"`
	NoDataPercent float64 `json:"nodata_percent"`
}

// RunSummary is the record of one mosaic run.
type RunSummary struct {
	RunID            string            `json:"run_id"`
	Started          time.Time         `json:"started"`
	Finished         time.Time         `json:"finished"`
	Duration         time.Duration     `json:"duration"`
	Settings         map[string]string `json:"settings"`
	ScenesConsidered int               `json:"scenes_considered"`
	ScenesUsed       int               `json:"scenes_used"`
	Excluded         []Exclusion       `json:"excluded"`
	Bands            []BandStats       `json:"bands"`
	Windows          int               `json:"windows"`
	CorruptReads     int               `json:"corrupt_reads"`
	Outputs          []string          `json:"outputs"`
	Status           string            `json:"status"`
	Error            string            `json:"error,omitempty"`
}

// MetricsCollector accumulates a RunSummary from the goroutines of a run
// and hands it to the configured loggers when the run ends.
type MetricsCollector struct {
	Info    *RunSummary
	mu      sync.Mutex
	loggers []Logger
	corrupt map[string]bool
}

func NewMetricsCollector(runID string, loggers ...Logger) *MetricsCollector {
	return &MetricsCollector{
		Info: &RunSummary{
			RunID:    runID,
			Started:  time.Now().UTC(),
			Settings: make(map[string]string),
			Status:   StatusRunning,
		},
		loggers: loggers,
		corrupt: make(map[string]bool),
	}
}

func (m *MetricsCollector) Setting(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Info.Settings[key] = value
}

func (m *MetricsCollector) Considered(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Info.ScenesConsidered += n
}

func (m *MetricsCollector) Used(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Info.ScenesUsed = n
}

func (m *MetricsCollector) Exclude(scene, reason, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Info.Excluded = append(m.Info.Excluded, Exclusion{Scene: scene, Reason: reason, Detail: detail})
}

// Corrupt counts a failed window read. The scene is listed as excluded
// once, however many windows it fails in.
func (m *MetricsCollector) Corrupt(scene, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Info.CorruptReads++
	if !m.corrupt[scene] {
		m.corrupt[scene] = true
		m.Info.Excluded = append(m.Info.Excluded, Exclusion{Scene: scene, Reason: ReasonCorrupt, Detail: detail})
	}
}

func (m *MetricsCollector) Window() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Info.Windows++
}

// BandNoData records the no-data pixel count of one output band.
func (m *MetricsCollector) BandNoData(res int, band string, pixels, nodata int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pct float64
	if pixels > 0 {
		pct = 100 * float64(nodata) / float64(pixels)
	}
	m.Info.Bands = append(m.Info.Bands, BandStats{Resolution: res, Band: band, Pixels: pixels, NoData: nodata, NoDataPercent: pct})
}

func (m *MetricsCollector) Output(paths ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Info.Outputs = append(m.Info.Outputs, paths...)
}

// Finish stamps the end of the run and its outcome.
func (m *MetricsCollector) Finish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Info.Finished = time.Now().UTC()
	m.Info.Duration = m.Info.Finished.Sub(m.Info.Started)
	if err != nil {
		m.Info.Status = StatusFailed
		m.Info.Error = err.Error()
	} else {
		m.Info.Status = StatusSucceeded
	}
	sort.SliceStable(m.Info.Bands, func(i, j int) bool {
		if m.Info.Bands[i].Resolution != m.Info.Bands[j].Resolution {
			return m.Info.Bands[i].Resolution < m.Info.Bands[j].Resolution
		}
		return m.Info.Bands[i].Band < m.Info.Bands[j].Band
	})
}

func (m *MetricsCollector) Log() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.loggers {
		l.Log(m.Info)
	}
}

// ExclusionCounts tallies exclusions by reason.
func (i *RunSummary) ExclusionCounts() map[string]int {
	counts := make(map[string]int)
	for _, e := range i.Excluded {
		counts[e.Reason]++
	}
	return counts
}

func (i *RunSummary) ToJSON() (string, error) {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(i)
	if err == nil {
		return buf.String(), nil
	} else {
		return "", err
	}
}
