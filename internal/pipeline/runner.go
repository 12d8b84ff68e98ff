// Package pipeline owns the stage lifecycle: fingerprint, compare, run in a
// staging directory, rename atomically, stamp status, update the manifest.
// Stages themselves are plain functions over (workDir, params, dependencies).
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"bookalign/internal/canonjson"
	"bookalign/internal/logging"
	"bookalign/internal/manifest"
	"bookalign/internal/version"
)

// Outcome states for a stage run.
type OutcomeState string

const (
	Skipped    OutcomeState = "skipped"
	Completed  OutcomeState = "completed"
	Failed     OutcomeState = "failed"
	GateFailed OutcomeState = "gate-failed"
)

// Outcome is the sum result of running one stage.
type Outcome struct {
	Stage string
	State OutcomeState
	Err   error
}

// Runtime is the per-invocation context shared by all stages: the working
// directory, the manifest, the process logger and the parallelism budget.
type Runtime struct {
	WorkDir  string
	Manifest *manifest.Manifest
	Log      zerolog.Logger
	Jobs     int
	Force    bool
}

// StageContext is handed to a stage's Run function. All output files go into
// StagingDir; the runner renames it to the final stage directory on success.
type StageContext struct {
	Runtime    *Runtime
	StagingDir string
	Log        zerolog.Logger
}

// ArtifactIn resolves a prior stage's artifact to an absolute path, failing
// with ArtifactCorruption when it is missing on disk.
func (sc *StageContext) ArtifactIn(stage, name string) (string, error) {
	p := sc.Runtime.Manifest.ArtifactPath(sc.Runtime.WorkDir, stage, name)
	if p == "" {
		return "", Errf(KindInvalidInput, "stage %s has no artifact %q (run it first)", stage, name)
	}
	if _, err := os.Stat(p); err != nil {
		return "", Errf(KindArtifactCorruption, "artifact %s/%s missing on disk: %v", stage, name, err)
	}
	return p, nil
}

// Stage declares one pipeline stage. Inputs and Tools are called before every
// run to compute the fingerprint; Run is called only when it misses.
type Stage struct {
	Name   string
	Dir    string // directory under the working dir, usually == Name
	Params any
	// Inputs returns named references (artifact name -> sha256) of everything
	// the stage reads besides its params. The top-level input SHA is added by
	// the runner.
	Inputs func(ctx context.Context, rt *Runtime) (map[string]string, error)
	// Tools returns external tool versions participating in the fingerprint.
	// The bookalign version itself is added by the runner.
	Tools func(ctx context.Context) (map[string]string, error)
	// Run executes the work, writing all outputs into sc.StagingDir and
	// returning logical artifact name -> path relative to the stage dir.
	Run func(ctx context.Context, sc *StageContext) (map[string]string, error)
	// Gate marks the validator: a GateFailure error becomes GateFailed, not
	// Failed, and the CLI exits 2.
	Gate bool
}

// stageMeta is persisted as meta.json inside each stage directory.
type stageMeta struct {
	Stage        string            `json:"stage"`
	Fingerprint  string            `json:"fingerprint"`
	ToolVersions map[string]string `json:"toolVersions"`
	StartedUTC   string            `json:"startedUtc"`
	EndedUTC     string            `json:"endedUtc"`
}

// RunStage drives one stage through the uniform lifecycle.
func RunStage(ctx context.Context, rt *Runtime, st *Stage) Outcome {
	log := logging.Stage(rt.Log, st.Name)

	fp, err := fingerprintFor(ctx, rt, st)
	if err != nil {
		return fail(rt, st, log, err)
	}

	entry := rt.Manifest.Entry(st.Name)
	if entry.Status.Status == manifest.StatusCompleted && fp.Equal(entry.Fingerprint) {
		log.Debug().Str("fingerprint", fp.Sum()[:12]).Msg("up to date")
		return Outcome{Stage: st.Name, State: Skipped}
	}

	started := time.Now().UTC()
	entry.Status.Status = manifest.StatusRunning
	entry.Status.Started = started.Format(time.RFC3339)
	entry.Status.Ended = ""
	entry.Status.Error = ""
	entry.Status.Attempts++
	if err := rt.Manifest.Save(); err != nil {
		return fail(rt, st, log, err)
	}

	staging, err := os.MkdirTemp(rt.WorkDir, ".staging-"+st.Name+"-*")
	if err != nil {
		return fail(rt, st, log, fmt.Errorf("create staging dir: %w", err))
	}
	defer os.RemoveAll(staging)

	logFile, err := os.Create(filepath.Join(staging, "log.txt"))
	if err != nil {
		return fail(rt, st, log, fmt.Errorf("create stage log: %w", err))
	}
	stageLog := logging.Tee(log, logFile)

	sc := &StageContext{Runtime: rt, StagingDir: staging, Log: stageLog}
	artifacts, runErr := st.Run(ctx, sc)
	logFile.Close()
	if runErr == nil {
		runErr = ctx.Err()
	}
	if runErr != nil {
		runErr = Wrap(KindInternal, runErr)
		if st.Gate && KindOf(runErr) == KindGateFailure {
			// Gate failures still publish their artifacts (report + repair
			// plan) before the distinguished outcome is surfaced.
			if err := publish(rt, st, fp, staging, artifacts, started); err != nil {
				return fail(rt, st, log, err)
			}
			entry.Artifacts = rebase(st.Dir, artifacts)
			entry.Fingerprint = fp
			stamp(entry, manifest.StatusCompleted, runErr.Error())
			if err := rt.Manifest.Save(); err != nil {
				return fail(rt, st, log, err)
			}
			return Outcome{Stage: st.Name, State: GateFailed, Err: runErr}
		}
		return fail(rt, st, log, runErr)
	}

	if err := publish(rt, st, fp, staging, artifacts, started); err != nil {
		return fail(rt, st, log, err)
	}

	entry.Artifacts = rebase(st.Dir, artifacts)
	entry.Fingerprint = fp
	stamp(entry, manifest.StatusCompleted, "")
	if err := rt.Manifest.Save(); err != nil {
		return fail(rt, st, log, err)
	}
	log.Info().Str("dir", st.Dir).Msg("completed")
	return Outcome{Stage: st.Name, State: Completed}
}

// publish writes params.snapshot.json and meta.json into the staging dir,
// then swaps it into place as the stage directory.
func publish(rt *Runtime, st *Stage, fp *manifest.Fingerprint, staging string, artifacts map[string]string, started time.Time) error {
	params, err := canonjson.MarshalIndent(st.Params)
	if err != nil {
		return fmt.Errorf("snapshot params: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, "params.snapshot.json"), params, 0o644); err != nil {
		return err
	}
	meta := stageMeta{
		Stage:        st.Name,
		Fingerprint:  fp.Sum(),
		ToolVersions: fp.ToolVersions,
		StartedUTC:   started.Format(time.RFC3339),
		EndedUTC:     time.Now().UTC().Format(time.RFC3339),
	}
	metaBytes, err := canonjson.MarshalIndent(meta)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(staging, "meta.json"), metaBytes, 0o644); err != nil {
		return err
	}

	for name, rel := range artifacts {
		if _, err := os.Stat(filepath.Join(staging, rel)); err != nil {
			return fmt.Errorf("declared artifact %q (%s) not produced: %w", name, rel, err)
		}
	}

	final := filepath.Join(rt.WorkDir, st.Dir)
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("clear previous stage dir: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("publish stage dir: %w", err)
	}
	return writeStatus(final, manifest.StatusCompleted, "")
}

func rebase(dir string, artifacts map[string]string) map[string]string {
	out := make(map[string]string, len(artifacts))
	for name, rel := range artifacts {
		out[name] = filepath.ToSlash(filepath.Join(dir, rel))
	}
	return out
}

func stamp(entry *manifest.StageEntry, status, errText string) {
	entry.Status.Status = status
	entry.Status.Ended = time.Now().UTC().Format(time.RFC3339)
	entry.Status.Error = errText
}

func fail(rt *Runtime, st *Stage, log zerolog.Logger, err error) Outcome {
	err = Wrap(KindInternal, err)
	entry := rt.Manifest.Entry(st.Name)
	stamp(entry, manifest.StatusFailed, err.Error())
	if saveErr := rt.Manifest.Save(); saveErr != nil {
		log.Error().Err(saveErr).Msg("manifest save failed while recording stage failure")
	}
	// status.json for a failed run lands in the stage dir if one exists; a
	// stage that never published keeps only the manifest record.
	final := filepath.Join(rt.WorkDir, st.Dir)
	if _, statErr := os.Stat(final); statErr == nil {
		_ = writeStatus(final, manifest.StatusFailed, err.Error())
	}
	log.Error().Err(err).Msg("stage failed")
	return Outcome{Stage: st.Name, State: Failed, Err: err}
}

func writeStatus(dir, status, errText string) error {
	doc := map[string]string{"status": status}
	if errText != "" {
		doc["error"] = errText
	}
	data, err := canonjson.MarshalIndent(doc)
	if err != nil {
		return err
	}
	return manifest.WriteFileAtomic(filepath.Join(dir, "status.json"), data)
}

// ArtifactHashes resolves prior-stage artifacts to their content hashes for
// fingerprinting. refs maps an input name to {stage, artifact}. A missing
// artifact hashes as the empty string, which forces a mismatch (and a run)
// rather than an early error: the orchestrator surfaces the real problem
// when the stage tries to read its input.
func ArtifactHashes(rt *Runtime, refs map[string][2]string) (map[string]string, error) {
	out := make(map[string]string, len(refs))
	for name, ref := range refs {
		p := rt.Manifest.ArtifactPath(rt.WorkDir, ref[0], ref[1])
		if p == "" {
			out[name] = ""
			continue
		}
		h, err := manifest.HashFile(p)
		if err != nil {
			out[name] = ""
			continue
		}
		out[name] = h
	}
	return out, nil
}

// BookHash hashes the external book-index.json at the working-directory
// root for stages that consume it.
func BookHash(rt *Runtime) (string, error) {
	h, err := manifest.HashFile(filepath.Join(rt.WorkDir, "book-index.json"))
	if err != nil {
		return "", Errf(KindInvalidInput, "book-index.json missing from working directory: %v", err)
	}
	return h, nil
}

func fingerprintFor(ctx context.Context, rt *Runtime, st *Stage) (*manifest.Fingerprint, error) {
	inputs := map[string]string{"input": rt.Manifest.Input.SHA256}
	if st.Inputs != nil {
		extra, err := st.Inputs(ctx, rt)
		if err != nil {
			return nil, err
		}
		for k, v := range extra {
			inputs[k] = v
		}
	}
	tools := map[string]string{"bookalign": version.String()}
	if st.Tools != nil {
		extra, err := st.Tools(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range extra {
			tools[k] = v
		}
	}
	return manifest.NewFingerprint(inputs, st.Params, tools)
}
