package metrics

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/CloudyKit/jet"
)

const summaryTemplate = `Mosaic run {{ .RunID }}
Status:     {{ .Status }}{{ if .Failed }} ({{ .Error }}){{ end }}
Started:    {{ .Started }}
Finished:   {{ .Finished }}
Duration:   {{ .Duration }}

Settings
{{ range .Settings }}  {{ . }}
{{ end }}
Scenes considered: {{ .Considered }}
Scenes used:       {{ .Used }}
Windows:           {{ .Windows }}
Corrupt reads:     {{ .CorruptReads }}

Excluded scenes
{{ range .Excluded }}  {{ . }}
{{ end }}
Output no-data
{{ range .Bands }}  {{ . }}
{{ end }}
Outputs
{{ range .Outputs }}  {{ . }}
{{ end }}`

type reportView struct {
	RunID        string
	Status       string
	Failed       bool
	Error        string
	Started      string
	Finished     string
	Duration     string
	Settings     []string
	Considered   int
	Used         int
	Windows      int
	CorruptReads int
	Excluded     []string
	Bands        []string
	Outputs      []string
}

var reportSet = jet.NewSet(jet.SafeWriter(func(w io.Writer, b []byte) {
	w.Write(b)
}))

func newReportView(info *RunSummary) *reportView {
	view := &reportView{
		RunID:        info.RunID,
		Status:       info.Status,
		Failed:       info.Error != "",
		Error:        info.Error,
		Started:      info.Started.Format(time.RFC3339),
		Finished:     info.Finished.Format(time.RFC3339),
		Duration:     info.Duration.Round(time.Millisecond).String(),
		Considered:   info.ScenesConsidered,
		Used:         info.ScenesUsed,
		Windows:      info.Windows,
		CorruptReads: info.CorruptReads,
		Outputs:      info.Outputs,
	}

	keys := make([]string, 0, len(info.Settings))
	for k := range info.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		view.Settings = append(view.Settings, fmt.Sprintf("%-20s %s", k+":", info.Settings[k]))
	}

	for _, e := range info.Excluded {
		line := fmt.Sprintf("%-16s %s", e.Reason, e.Scene)
		if e.Detail != "" {
			line += ": " + e.Detail
		}
		view.Excluded = append(view.Excluded, line)
	}

	for _, b := range info.Bands {
		view.Bands = append(view.Bands, fmt.Sprintf("%3dm %-4s %6.2f%% (%d of %d)", b.Resolution, b.Band, b.NoDataPercent, b.NoData, b.Pixels))
	}
	return view
}

// WriteReport renders the human readable run summary.
func WriteReport(w io.Writer, info *RunSummary) error {
	tpl, err := reportSet.LoadTemplate("summary.jet", summaryTemplate)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, make(jet.VarMap), newReportView(info)); err != nil {
		return fmt.Errorf("summary report: %v", err)
	}

	_, err = io.WriteString(w, strings.TrimRight(buf.String(), "\n")+"\n")
	return err
}

func WriteReportFile(path string, info *RunSummary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteReport(f, info); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
