package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"gopkg.in/yaml.v3"

	"github.com/sarchlab/memhier/datarecording"
	"github.com/sarchlab/memhier/instrumentation/hooking"
	"github.com/sarchlab/memhier/mem/memsys"
	"github.com/sarchlab/memhier/mem/perf"
	"github.com/sarchlab/memhier/mem/trace"
)

var runCmd = &cobra.Command{
	Use:   "run TRACE",
	Short: "Replay a trace file through the memory system.",
	Long: `run replays a trace file, one operation per line:

  R|W|X <va> [u]                  read, write, or execute, u for user mode
  M <va> <pa> [4K|2M|1G] [perms]  map a page, rw by default
  U <va>                          unmap a page
  C                               context switch

and prints the counters of every component when the trace ends.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			log.Fatalf("Error loading configuration: %v", err)
		}

		ops, err := parseTraceFile(args[0])
		if err != nil {
			log.Fatalf("Error reading trace: %v", err)
		}

		s, err := memsys.MakeBuilder().
			WithConfig(cfg).
			WithLogger(logger(cmd)).
			Build("MemSys")
		if err != nil {
			log.Fatalf("Error building memory system: %v", err)
		}

		rec, err := openRecorder(cmd)
		if err != nil {
			log.Fatalf("Error opening recorder: %v", err)
		}

		var (
			execRecorder *datarecording.ExecRecorder
			dbTracer     *trace.DBTracer
		)

		if rec != nil {
			execRecorder = datarecording.NewExecRecorder(rec)
			execRecorder.Start()
			execRecorder.AddStruct("Config", cfg)

			dbTracer = trace.NewDBTracer(rec)
			s.AcceptHook(dbTracer)
		}

		events := hooking.NewPosCountTracer()
		s.AcceptHook(events)

		if traceLog, _ := cmd.Flags().GetBool("trace-log"); traceLog {
			s.AcceptHook(trace.NewTracer(log.New(os.Stderr, "", 0)))
		}

		replayStats, err := trace.Replay(s, ops)
		if err != nil {
			atexit.Fatalf("Error replaying trace: %v", err)
		}

		timing, err := timingFromFlags(cmd)
		if err != nil {
			atexit.Fatalf("Error reading timing: %v", err)
		}

		st := s.Stats()
		report := runReport{
			Trace:    args[0],
			Replay:   replayStats,
			System:   st,
			Estimate: perf.FromStats(timing, st.Cache, st.TLB),
			Events:   map[string]uint64{},
		}

		for _, name := range events.GetPosNames() {
			report.Events[name] = events.GetCount(&hooking.HookPos{Name: name})
		}

		format, _ := cmd.Flags().GetString("stats-format")
		if err := writeReport(os.Stdout, format, report); err != nil {
			atexit.Fatalf("Error writing report: %v", err)
		}

		if rec != nil {
			dbTracer.RecordStats(s.Name(), st)
			execRecorder.End()

			if err := rec.Close(); err != nil {
				atexit.Fatalf("Error closing recorder: %v", err)
			}
		}

		atexit.Exit(0)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("record", "",
		"record accesses into this SQLite database, without the extension")
	runCmd.Flags().String("mysql", "",
		"record accesses into the MySQL database of this DSN")
	runCmd.Flags().Bool("trace-log", false,
		"print every access to stderr")
	runCmd.Flags().String("stats-format", "yaml", "report format, yaml or json")
	addTimingFlags(runCmd)
}

type runReport struct {
	Trace    string            `yaml:"trace" json:"trace"`
	Replay   trace.ReplayStats `yaml:"replay" json:"replay"`
	System   memsys.Stats      `yaml:"system" json:"system"`
	Estimate perf.Estimate     `yaml:"estimate" json:"estimate"`
	Events   map[string]uint64 `yaml:"events" json:"events"`
}

func parseTraceFile(path string) ([]trace.Op, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return trace.Parse(f)
}

func openRecorder(cmd *cobra.Command) (datarecording.DataRecorder, error) {
	path, _ := cmd.Flags().GetString("record")
	dsn, _ := cmd.Flags().GetString("mysql")

	switch {
	case path != "" && dsn != "":
		return nil, fmt.Errorf("--record and --mysql cannot be used together")
	case path != "":
		return datarecording.New(path)
	case dsn != "":
		return datarecording.NewMySQL(dsn)
	default:
		return nil, nil
	}
}

func writeReport(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(v); err != nil {
			return err
		}

		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
