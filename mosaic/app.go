package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/nci/s2mosaic/catalog"
	"github.com/nci/s2mosaic/metrics"
	"github.com/nci/s2mosaic/processor"
	"github.com/nci/s2mosaic/publish"
	"github.com/nci/s2mosaic/utils"
	"github.com/nci/s2mosaic/worker/gdalprocess"
)

const (
	summaryLogFileSize = 10 * 1024 * 1024
	summaryLogFiles    = 10
)

// app holds the resources of one command invocation.
type app struct {
	cfg        *utils.Config
	log        *zap.Logger
	runID      string
	collector  *metrics.MetricsCollector
	fileLogger *metrics.FileLogger
	catalog    *catalog.Catalog
}

func loadConfig(cmd *cobra.Command) (*utils.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := utils.LoadConfig(".", configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid configuration: %v", err)
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	log, err := utils.NewLogger(cfg.Log, cfg.Verbose)
	if err != nil {
		return nil, fmt.Errorf("Failed to initialise logger: %v", err)
	}

	a := &app{cfg: cfg, runID: uuid.New().String()}
	a.log = log.With(zap.String("run_id", a.runID))

	loggers := []metrics.Logger{metrics.NewZapLogger(a.log)}
	if cfg.SummaryLogDir != "" {
		fl, err := metrics.NewFileLogger(cfg.SummaryLogDir, summaryLogFileSize, summaryLogFiles, cfg.Verbose, a.log)
		if err != nil {
			a.log.Warn("Run summary log disabled", zap.String("dir", cfg.SummaryLogDir), zap.Error(err))
		} else {
			a.fileLogger = fl
			loggers = append(loggers, fl)
		}
	}
	a.collector = metrics.NewMetricsCollector(a.runID, loggers...)

	gdalprocess.InitGdal()

	if cfg.Catalog.DSN != "" {
		a.catalog, err = catalog.Open(cfg.Catalog, gdalprocess.Projector{}, a.log)
		if err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) runner() (*processor.Runner, error) {
	r := &processor.Runner{
		Config:    a.cfg,
		Opener:    gdalprocess.NewOpener(a.cfg, a.log),
		Sinks:     &gdalprocess.GTiffSinks{},
		Projector: gdalprocess.Projector{},
		Confirm:   confirmOverwrite(os.Stdin, os.Stderr),
		Metrics:   a.collector,
		Log:       a.log,
	}
	if a.catalog != nil {
		r.Catalog = a.catalog
	}
	if a.cfg.Storage.Endpoint != "" {
		p, err := publish.New(a.cfg.Storage, a.log)
		if err != nil {
			return nil, err
		}
		r.Publisher = p
	}
	return r, nil
}

func (a *app) close() {
	if a.catalog != nil {
		a.catalog.Close()
	}
	if a.fileLogger != nil {
		a.fileLogger.Close()
	}
	a.log.Sync()
}

// confirmOverwrite asks on interactive terminals only; anywhere else
// existing outputs are never replaced without --overwrite.
func confirmOverwrite(in *os.File, out io.Writer) func([]string) bool {
	return func(existing []string) bool {
		if !terminal.IsTerminal(int(in.Fd())) {
			return false
		}
		return askOverwrite(in, out, existing)
	}
}

func askOverwrite(in io.Reader, out io.Writer, existing []string) bool {
	fmt.Fprintf(out, "%d output files already exist:\n", len(existing))
	for _, f := range existing {
		fmt.Fprintf(out, "  %s\n", f)
	}
	fmt.Fprint(out, "Overwrite them? [y/N] ")

	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
