package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"bookalign/internal/anchors"
	"bookalign/internal/chunks"
	"bookalign/internal/collate"
	"bookalign/internal/compare"
	"bookalign/internal/config"
	"bookalign/internal/logging"
	"bookalign/internal/manifest"
	"bookalign/internal/media"
	"bookalign/internal/pipeline"
	"bookalign/internal/plan"
	"bookalign/internal/refine"
	"bookalign/internal/store"
	"bookalign/internal/timeline"
	"bookalign/internal/transcripts"
	"bookalign/internal/validate"
	"bookalign/internal/version"
	"bookalign/internal/winalign"
	"bookalign/internal/windows"
)

// app carries shared flag state and resolved configuration.
type app struct {
	cfg config.Config
	log zerolog.Logger

	inPath  string
	workDir string
	from    string
	to      string
	force   bool
	resume  bool
	jobs    int

	timelineParams timeline.Params
	planParams     plan.Params
	chunkParams    chunks.Params
	asrParams      transcripts.Params
	anchorParams   anchors.Params
	windowParams   windows.Params
	alignParams    winalign.Params
	refineParams   refine.Params
	collateParams  collate.Params
	compareParams  compare.Params
	validateParams validate.Params
}

func newRootCmd() *cobra.Command {
	a := &app{
		timelineParams: timeline.DefaultParams(),
		planParams:     plan.DefaultParams(),
		chunkParams:    chunks.DefaultParams(),
		asrParams:      transcripts.DefaultParams(),
		anchorParams:   anchors.DefaultParams(),
		windowParams:   windows.DefaultParams(),
		alignParams:    winalign.DefaultParams(),
		refineParams:   refine.DefaultParams(),
		collateParams:  collate.DefaultParams(),
		compareParams:  compare.DefaultParams(),
		validateParams: validate.DefaultParams(),
	}

	root := &cobra.Command{
		Use:     "bookalign",
		Short:   "Align a book manuscript against its narrated audio",
		Version: version.String(),
		Long: `bookalign aligns a book index against long-form narration, producing
sentence-accurate timings, a collated master with room-tone gaps, and QA
metrics. Stages are idempotent: reruns skip anything whose fingerprint
matches.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.cfg = config.Load()
			a.log = logging.New(a.cfg.LogLevel)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.inPath, "in", "", "input chapter audio file")
	pf.StringVar(&a.workDir, "work", "", "working directory (default <in>.ams)")
	pf.StringVar(&a.from, "from", "", "first stage to execute")
	pf.StringVar(&a.to, "to", "", "last stage to execute")
	pf.BoolVar(&a.force, "force", false, "invalidate the target stage and everything downstream")
	pf.BoolVar(&a.resume, "resume", true, "reuse completed stages from the manifest")
	pf.IntVar(&a.jobs, "jobs", 0, "parallel units per stage (default min(units, cores/2))")

	root.AddCommand(
		a.newAsrCmd(),
		a.newStageCmd("anchors", "Select monotone n-gram anchors", "anchors"),
		a.newStageCmd("windows", "Build anchor-bounded alignment windows", "windows"),
		a.newStageCmd("window-align", "Force-align each window", "window-align"),
		a.newStageCmd("refine", "Snap sentence ends to silence", "refine"),
		a.newCollateCmd(),
		a.newStageCmd("script-compare", "Compute WER/CER and seam metrics", "script-compare"),
		a.newValidateCmd(),
		a.newRepairCmd(),
		a.newBuildIndexCmd(),
		a.newBookCmd(),
		a.newRunsCmd(),
	)
	return root
}

// newAsrCmd groups the audio-facing stages.
func (a *app) newAsrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "asr",
		Short: "Audio stages: silence detection, planning, chunking, transcription",
	}

	detect := a.newStageCmd("detect-silence", "Detect silence events in the chapter audio", "timeline")
	detect.Flags().Float64Var(&a.timelineParams.DbFloor, "db-floor", a.timelineParams.DbFloor, "silence threshold in dBFS")
	detect.Flags().Float64Var(&a.timelineParams.MinSilenceDur, "min-silence", a.timelineParams.MinSilenceDur, "minimum silence duration in seconds")

	planCmd := a.newStageCmd("plan-windows", "Plan 60-90s windows on silence midpoints", "plan")
	planCmd.Flags().Float64Var(&a.planParams.Min, "min", a.planParams.Min, "minimum window seconds")
	planCmd.Flags().Float64Var(&a.planParams.Max, "max", a.planParams.Max, "maximum window seconds")
	planCmd.Flags().Float64Var(&a.planParams.Target, "target", a.planParams.Target, "target window seconds")
	planCmd.Flags().BoolVar(&a.planParams.StrictTail, "strict-tail", a.planParams.StrictTail, "fail instead of relaxing the final window")

	chunksCmd := a.newStageCmd("chunks", "Cut audio at planned window boundaries", "chunks")

	transcribe := a.newStageCmd("transcribe", "Transcribe each chunk via the ASR service", "transcripts")
	transcribe.Flags().StringVar(&a.asrParams.Language, "language", a.asrParams.Language, "transcription language")
	transcribe.Flags().StringVar(&a.asrParams.Model, "model", a.asrParams.Model, "ASR model override")

	cmd.AddCommand(detect, planCmd, chunksCmd, transcribe)
	return cmd
}

func (a *app) newCollateCmd() *cobra.Command {
	cmd := a.newStageCmd("collate", "Replace inter-sentence gaps with room tone", "collate")
	f := cmd.Flags()
	f.StringVar(&a.collateParams.RoomtoneSource, "roomtone-source", a.collateParams.RoomtoneSource, "room tone source: auto or file")
	f.StringVar(&a.collateParams.RoomtoneFilePath, "roomtone-file", a.collateParams.RoomtoneFilePath, "room tone file when source=file")
	f.Float64Var(&a.collateParams.RoomtoneLevelDb, "roomtone-level", a.collateParams.RoomtoneLevelDb, "room tone level in dBFS")
	f.Float64Var(&a.collateParams.MinGapMs, "min-gap", a.collateParams.MinGapMs, "minimum replaceable gap in ms")
	f.Float64Var(&a.collateParams.MaxGapMs, "max-gap", a.collateParams.MaxGapMs, "maximum replaceable gap in ms")
	return cmd
}

func (a *app) newValidateCmd() *cobra.Command {
	cmd := a.newStageCmd("validate", "Evaluate QA gates (exit 2 on failure)", "validate")
	f := cmd.Flags()
	f.Float64Var(&a.validateParams.MaxWER, "max-wer", a.validateParams.MaxWER, "WER gate threshold")
	f.Float64Var(&a.validateParams.MaxCER, "max-cer", a.validateParams.MaxCER, "CER gate threshold")
	return cmd
}

// newStageCmd builds a command that executes the pipeline up to (and
// including) the named stage, honoring --from/--to overrides.
func (a *app) newStageCmd(use, short, stage string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPipeline(cmd.Context(), stage, strings.Join(os.Args[1:], " "))
		},
	}
}

// runPipeline is the shared driver: resolve working dir + manifest, build
// every stage with its dependencies, execute the selected interval, record
// the ledger and map outcomes.
func (a *app) runPipeline(parent context.Context, targetStage, command string) error {
	if a.inPath == "" {
		return fmt.Errorf("--in is required")
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tool := media.NewTool(a.cfg.FFmpegPath)

	workDir := a.workDir
	if workDir == "" {
		workDir = a.inPath + ".ams"
	}
	rt, err := a.openRuntime(ctx, tool, workDir)
	if err != nil {
		return err
	}

	from, to := a.from, a.to
	if to == "" {
		to = targetStage
	}
	names, err := pipeline.Plan(from, to)
	if err != nil {
		return err
	}
	if a.force {
		if err := pipeline.Invalidate(rt, targetStage); err != nil {
			return err
		}
	}
	if !a.resume {
		if err := pipeline.Invalidate(rt, names[0]); err != nil {
			return err
		}
	}

	stages := []*pipeline.Stage{
		timeline.NewStage(tool, a.timelineParams),
		plan.NewStage(a.planParams),
		chunks.NewStage(tool, a.chunkParams),
		transcripts.NewStage(transcripts.NewClient(a.cfg.ASRBaseURL), a.asrParams),
		anchors.NewStage(a.anchorParams),
		windows.NewStage(a.windowParams),
		winalign.NewStage(winalign.NewClient(a.cfg.AlignerBaseURL), tool, a.alignParams),
		refine.NewStage(a.refineParams),
		collate.NewStage(tool, a.collateParams),
		compare.NewStage(a.compareParams),
		validate.NewStage(a.validateParams),
	}

	ledger := a.openLedger()
	var runID string
	if ledger != nil {
		defer ledger.Close()
		runID, _ = ledger.BeginRun(ctx, a.inPath, rt.Manifest.Input.SHA256, workDir, command)
	}

	outcomes, runErr := pipeline.Run(ctx, rt, stages, names)
	if ledger != nil && runID != "" {
		for _, out := range outcomes {
			ev := store.StageEvent{RunID: runID, Stage: out.Stage, Outcome: string(out.State)}
			if out.Err != nil {
				ev.Error = out.Err.Error()
			}
			if e := rt.Manifest.Stages[out.Stage]; e != nil && e.Fingerprint != nil {
				ev.Fingerprint = e.Fingerprint.Sum()
			}
			_ = ledger.RecordStage(ctx, ev)
		}
		status := "completed"
		errText := ""
		if runErr != nil {
			status = "failed"
			errText = runErr.Error()
			if pipeline.KindOf(runErr) == pipeline.KindGateFailure {
				status = "gate-failed"
			}
		}
		_ = ledger.FinishRun(ctx, runID, status, errText)
	}
	return runErr
}

// openRuntime loads the manifest or creates one from the input file.
func (a *app) openRuntime(ctx context.Context, tool *media.Tool, workDir string) (*pipeline.Runtime, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}

	m, err := manifest.Load(workDir)
	if err != nil {
		sha, hashErr := manifest.HashFile(a.inPath)
		if hashErr != nil {
			return nil, pipeline.Errf(pipeline.KindInvalidInput, "hash input: %v", hashErr)
		}
		dur, probeErr := tool.ProbeDuration(ctx, a.inPath)
		if probeErr != nil {
			return nil, pipeline.Wrap(pipeline.KindToolNotFound, probeErr)
		}
		m, err = manifest.New(workDir, a.inPath, sha, dur)
		if err != nil {
			return nil, err
		}
		if err := m.Save(); err != nil {
			return nil, err
		}
		a.log.Info().Str("work", workDir).Float64("durationSec", dur).Msg("initialized working directory")
	}
	return &pipeline.Runtime{
		WorkDir:  workDir,
		Manifest: m,
		Log:      a.log,
		Jobs:     a.jobs,
		Force:    a.force,
	}, nil
}

// openLedger opens the run ledger; failures degrade to no bookkeeping.
func (a *app) openLedger() *store.DB {
	if a.cfg.DBPath == "" {
		return nil
	}
	db, err := store.Open(a.cfg.DBPath)
	if err != nil {
		a.log.Warn().Err(err).Msg("run ledger unavailable")
		return nil
	}
	return db
}

func (a *app) newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent pipeline runs from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			db := a.openLedger()
			if db == nil {
				return fmt.Errorf("run ledger unavailable (set BOOKALIGN_DB_PATH)")
			}
			defer db.Close()
			runs, err := db.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%s  %-11s %-30s %s\n", r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, r.Command, filepath.Base(r.InputPath))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func (a *app) newRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Show the repair plan and force window-align through validate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.inPath == "" {
				return fmt.Errorf("--in is required")
			}
			workDir := a.workDir
			if workDir == "" {
				workDir = a.inPath + ".ams"
			}
			planPath := filepath.Join(workDir, "validate", "repair", "repair.plan.json")
			rp, err := validate.LoadRepairPlan(planPath)
			if err != nil {
				return fmt.Errorf("no repair plan found (run validate first): %w", err)
			}
			for _, w := range rp.Windows {
				fmt.Printf("%s:\n", w.ID)
				for _, s := range w.Suggestions {
					fmt.Printf("  - %s\n", s)
				}
			}
			// Re-run window-align through validate with fresh fingerprints,
			// whichever stages the suggestions name.
			a.force = true
			a.to = "validate"
			return a.runPipeline(cmd.Context(), "window-align", "repair")
		},
	}
}
