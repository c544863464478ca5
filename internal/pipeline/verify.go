package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/wav"

	"github.com/soniqlabs/synth-core/internal/config"
	"github.com/soniqlabs/synth-core/internal/manifest"
)

// UtteranceCheck is the verification outcome for one expected output file.
type UtteranceCheck struct {
	UttID      string
	Path       string
	OK         bool
	SampleRate int
	Frames     int
	Error      string
}

// VerifySummary aggregates a run's checks.
type VerifySummary struct {
	Total    int
	Verified int
	Missing  int
	Invalid  int
}

// VerifyOutputs checks that every manifest utterance produced a decodable
// wav file named <utt_id>.wav in the output directory. Problems are
// recorded per utterance; the scan never aborts early.
func VerifyOutputs(outputDir string, records []manifest.Utterance, cfg config.VerifyConfig) ([]UtteranceCheck, VerifySummary) {
	checks := make([]UtteranceCheck, 0, len(records))
	summary := VerifySummary{Total: len(records)}

	for _, rec := range records {
		check := UtteranceCheck{
			UttID: rec.UttID,
			Path:  filepath.Join(outputDir, rec.UttID+".wav"),
		}
		if _, err := os.Stat(check.Path); err != nil {
			check.Error = "output missing"
			summary.Missing++
			checks = append(checks, check)
			continue
		}
		if err := decodeWav(&check, cfg); err != nil {
			check.Error = err.Error()
			summary.Invalid++
			checks = append(checks, check)
			continue
		}
		check.OK = true
		summary.Verified++
		checks = append(checks, check)
	}
	return checks, summary
}

func decodeWav(check *UtteranceCheck, cfg config.VerifyConfig) error {
	file, err := os.Open(check.Path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return fmt.Errorf("not a valid wav file")
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("decode pcm: %w", err)
	}
	check.SampleRate = int(decoder.SampleRate)
	check.Frames = buf.NumFrames()
	if check.Frames == 0 {
		return fmt.Errorf("wav contains no audio frames")
	}
	if cfg.SampleRate > 0 && check.SampleRate != cfg.SampleRate {
		return fmt.Errorf("sample rate %d, expected %d", check.SampleRate, cfg.SampleRate)
	}
	if cfg.Channels > 0 && int(decoder.NumChans) != cfg.Channels {
		return fmt.Errorf("channels %d, expected %d", decoder.NumChans, cfg.Channels)
	}
	return nil
}
