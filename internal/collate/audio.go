package collate

import (
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"bookalign/internal/media"
)

// dbFloorClamp is the lowest dBFS a measurement reports; digital silence
// would otherwise be -Inf.
const dbFloorClamp = -120.0

// rmsDb returns the mean RMS level of samples in dBFS.
func rmsDb(samples []float64) float64 {
	if len(samples) == 0 {
		return dbFloorClamp
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms <= 0 {
		return dbFloorClamp
	}
	db := 20 * math.Log10(rms)
	if db < dbFloorClamp {
		return dbFloorClamp
	}
	return db
}

// gainTo scales samples so their RMS hits targetDb.
func gainTo(samples []float64, targetDb float64) []float64 {
	current := rmsDb(samples)
	if current <= dbFloorClamp {
		return samples
	}
	gain := math.Pow(10, (targetDb-current)/20)
	out := make([]float64, len(samples))
	for i, s := range samples {
		v := s * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = v
	}
	return out
}

// writeWav persists mono float64 samples as 16-bit PCM at the authoritative
// rate.
func writeWav(path string, samples []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, media.SampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: media.SampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		buf.Data[i] = int(s * math.MaxInt16)
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

// readWav loads a mono WAV into float64 samples. Stereo input is downmixed.
func readWav(path string) ([]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	format := buf.Format
	scale := math.Pow(2, float64(dec.BitDepth-1))
	channels := format.NumChannels
	if channels < 1 {
		channels = 1
	}
	out := make([]float64, 0, len(buf.Data)/channels)
	for i := 0; i+channels <= len(buf.Data); i += channels {
		var acc float64
		for c := 0; c < channels; c++ {
			acc += float64(buf.Data[i+c])
		}
		out = append(out, acc/float64(channels)/scale)
	}
	return out, format.SampleRate, nil
}
