// Package transcripts runs each chunk through the transcription service and
// merges the word-level results into chapter coordinates.
package transcripts

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"bookalign/internal/canonjson"
	"bookalign/internal/chunks"
	"bookalign/internal/media"
	"bookalign/internal/pipeline"
)

// Params configure transcription.
type Params struct {
	Language string `json:"language"`
	Model    string `json:"model,omitempty"`
	BeamSize int    `json:"beamSize,omitempty"`
	Device   string `json:"device,omitempty"`
}

// DefaultParams transcribe English with the service's default model.
func DefaultParams() Params {
	return Params{Language: "en"}
}

// Word is one recognized word. Times are chunk-relative in the raw per-chunk
// transcript and chapter-absolute after merging.
type Word struct {
	Word       string   `json:"word"`
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Transcript is one chunk's transcription.
type Transcript struct {
	ChunkID      string            `json:"chunkId"`
	Text         string            `json:"text"`
	Words        []Word            `json:"words"`
	DurationSec  float64           `json:"durationSec"`
	ToolVersions map[string]string `json:"toolVersions,omitempty"`
	GeneratedAt  string            `json:"generatedAt,omitempty"`
}

// Merged is transcripts/merged.json: all words rebased to chapter time.
type Merged struct {
	Text  string `json:"text"`
	Words []Word `json:"words"`
}

// LoadMerged reads a merged transcript artifact.
func LoadMerged(path string) (*Merged, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.Errf(pipeline.KindInvalidInput, "read merged transcript: %v", err)
	}
	var m Merged
	if err := canonjson.Unmarshal(data, &m); err != nil {
		return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "parse merged transcript: %v", err)
	}
	return &m, nil
}

// Merge rebases per-chunk word times by each chunk's span start and
// concatenates in span order.
func Merge(index *chunks.Index, perChunk map[string]*Transcript) *Merged {
	merged := &Merged{Words: []Word{}}
	for _, c := range index.Chunks {
		t, ok := perChunk[c.ID]
		if !ok {
			continue
		}
		if merged.Text != "" && t.Text != "" {
			merged.Text += " "
		}
		merged.Text += t.Text
		for _, w := range t.Words {
			merged.Words = append(merged.Words, Word{
				Word:       w.Word,
				Start:      w.Start + c.Span.Start,
				End:        w.End + c.Span.Start,
				Confidence: w.Confidence,
			})
		}
	}
	sort.SliceStable(merged.Words, func(i, j int) bool { return merged.Words[i].Start < merged.Words[j].Start })
	return merged
}

// NewStage builds the transcripts stage definition.
func NewStage(client *Client, params Params) *pipeline.Stage {
	return &pipeline.Stage{
		Name:   "transcripts",
		Dir:    "transcripts",
		Params: params,
		Inputs: func(ctx context.Context, rt *pipeline.Runtime) (map[string]string, error) {
			return pipeline.ArtifactHashes(rt, map[string][2]string{
				"chunks": {"chunks", "index"},
			})
		},
		Tools: func(ctx context.Context) (map[string]string, error) {
			return client.Version(ctx)
		},
		Run: func(ctx context.Context, sc *pipeline.StageContext) (map[string]string, error) {
			if err := client.Health(ctx); err != nil {
				return nil, err
			}
			indexPath, err := sc.ArtifactIn("chunks", "index")
			if err != nil {
				return nil, err
			}
			idx, err := chunks.Load(indexPath)
			if err != nil {
				return nil, err
			}

			chunkDir := filepath.Dir(indexPath)
			results := make([]*Transcript, len(idx.Chunks))
			err = pipeline.ForEach(ctx, sc.Runtime.Jobs, len(idx.Chunks), func(ctx context.Context, i int) error {
				c := idx.Chunks[i]
				audio := filepath.Join(chunkDir, filepath.FromSlash(c.Filename))
				t, err := client.Transcribe(ctx, TranscribeRequest{
					AudioPath: media.NormalizePath(audio),
					Language:  params.Language,
					Model:     params.Model,
					BeamSize:  params.BeamSize,
					Device:    params.Device,
				})
				if err != nil {
					return err
				}
				t.ChunkID = c.ID
				if t.Words == nil {
					t.Words = []Word{}
				}
				data, err := canonjson.MarshalIndent(t)
				if err != nil {
					return err
				}
				if err := os.WriteFile(filepath.Join(sc.StagingDir, c.ID+".json"), data, 0o644); err != nil {
					return err
				}
				results[i] = t
				return nil
			})
			if err != nil {
				return nil, err
			}

			perChunk := make(map[string]*Transcript, len(results))
			files := make(map[string]string, len(results)+2)
			for _, t := range results {
				perChunk[t.ChunkID] = t
				files[t.ChunkID] = t.ChunkID + ".json"
			}
			merged := Merge(idx, perChunk)
			mergedData, err := canonjson.MarshalIndent(merged)
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(filepath.Join(sc.StagingDir, "merged.json"), mergedData, 0o644); err != nil {
				return nil, err
			}

			indexDoc := map[string]any{"chunks": sortedKeys(files)}
			indexData, err := canonjson.MarshalIndent(indexDoc)
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(filepath.Join(sc.StagingDir, "index.json"), indexData, 0o644); err != nil {
				return nil, err
			}

			files["index"] = "index.json"
			files["merged"] = "merged.json"
			sc.Log.Info().Int("chunks", len(results)).Int("words", len(merged.Words)).Msg("transcripts merged")
			return files, nil
		},
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
