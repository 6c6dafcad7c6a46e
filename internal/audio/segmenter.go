// Package audio re-encodes consultation uploads and splits them into
// speech segments small enough for the transcription API.
package audio

import (
	"context"
	"fmt"
	"math"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"anamnesis-pipeline-go/internal/logger"
	"anamnesis-pipeline-go/internal/storage"
	"anamnesis-pipeline-go/internal/types"
)

// minSegment is the shortest duration a segment may report.
const minSegment = 0.1

// Config holds the segmentation thresholds.
type Config struct {
	FFmpegPath        string
	FFprobePath       string
	Bitrate           string
	SilenceThreshold  string
	SilenceDuration   float64
	MinInterval       float64
	MaxSegmentSeconds float64
	ForceSplit        bool
	Debug             bool
}

// Segmenter turns one upload into an optimized source plus segments.
type Segmenter struct {
	cfg    Config
	disk   *storage.Disk
	runner commandRunner
	newID  func() string
	log    *logger.Logger
}

// NewSegmenter returns a Segmenter that shells out to ffmpeg and ffprobe.
func NewSegmenter(cfg Config, disk *storage.Disk, log *logger.Logger) *Segmenter {
	return newSegmenter(cfg, disk, &execRunner{}, log)
}

func newSegmenter(cfg Config, disk *storage.Disk, runner commandRunner, log *logger.Logger) *Segmenter {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.Bitrate == "" {
		cfg.Bitrate = "12k"
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Segmenter{
		cfg:    cfg,
		disk:   disk,
		runner: runner,
		newID:  uuid.NewString,
		log:    log.Component("audio"),
	}
}

// Process re-encodes the upload at inputRel and splits it. All returned
// paths are relative to the storage root.
func (s *Segmenter) Process(ctx context.Context, inputRel string) (types.AudioResult, error) {
	optimized, err := s.optimize(ctx, inputRel)
	if err != nil {
		return types.AudioResult{}, err
	}

	total, err := s.probe(ctx, optimized)
	if err != nil {
		return types.AudioResult{}, err
	}
	source := types.Segment{Path: optimized, Duration: total}

	silences, err := s.detectSilences(ctx, optimized)
	if err != nil {
		return types.AudioResult{}, err
	}
	ends := make([]float64, 0, len(silences))
	for _, sl := range silences {
		ends = append(ends, sl.End)
	}
	cuts := SelectCuts(ends, total, s.cfg.MinInterval)
	s.debug(logrus.Fields{
		"source":   optimized,
		"duration": total,
		"silences": len(silences),
		"cuts":     cuts,
	}, "segmentation plan")

	if len(cuts) == 0 {
		if s.cfg.ForceSplit || total > s.cfg.MaxSegmentSeconds {
			segments, err := s.splitFixed(ctx, optimized, total)
			if err != nil {
				return types.AudioResult{}, err
			}
			return types.AudioResult{Source: source, Segments: segments}, nil
		}
		return types.AudioResult{Source: source, Segments: []types.Segment{source}}, nil
	}

	segments, err := s.cutAt(ctx, optimized, cuts, total)
	if err != nil {
		return types.AudioResult{}, err
	}
	return types.AudioResult{Source: source, Segments: segments}, nil
}

// SelectCuts picks cut points greedily from candidate silence ends: a
// candidate is kept only when it lies at least minInterval after the
// previously kept cut (or time zero). Candidates at the file edges are
// ignored, and no two cuts are closer than the minimum segment length, so
// repeated silence ends never yield an empty slice.
func SelectCuts(candidates []float64, total, minInterval float64) []float64 {
	sorted := append([]float64(nil), candidates...)
	sort.Float64s(sorted)

	gap := max(minInterval, minSegment)
	var cuts []float64
	last := 0.0
	for _, c := range sorted {
		if c <= minSegment || c >= total-minSegment {
			continue
		}
		if c-last >= gap {
			cuts = append(cuts, c)
			last = c
		}
	}
	return cuts
}

func (s *Segmenter) optimize(ctx context.Context, inputRel string) (string, error) {
	if !s.disk.Exists(inputRel) {
		return "", &TranscodeError{Stage: "transcode", Message: "upload not found: " + inputRel}
	}
	dir := path.Join("tmp/optimized", s.newID())
	if err := s.disk.MakeDir(dir); err != nil {
		return "", &TranscodeError{Stage: "transcode", Message: "create output dir", Err: err}
	}
	out := path.Join(dir, "audio.ogg")

	if _, err := s.run(ctx, "transcode", s.cfg.FFmpegPath,
		"-y", "-i", s.disk.Path(inputRel),
		"-vn", "-ac", "1",
		"-c:a", "libopus", "-b:a", s.cfg.Bitrate,
		"-application", "voip",
		s.disk.Path(out),
	); err != nil {
		return "", err
	}
	if !s.disk.Exists(out) {
		return "", &TranscodeError{Stage: "transcode", Message: "encoder produced no output"}
	}
	return out, nil
}

func (s *Segmenter) probe(ctx context.Context, rel string) (float64, error) {
	res, err := s.run(ctx, "probe", s.cfg.FFprobePath,
		"-i", s.disk.Path(rel),
		"-show_entries", "format=duration",
		"-v", "quiet",
		"-of", "csv=p=0",
	)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(res.Stdout)
	d, perr := strconv.ParseFloat(raw, 64)
	if perr != nil || math.IsNaN(d) || d < 0 {
		return 0, &TranscodeError{
			Stage:   "probe",
			Message: fmt.Sprintf("unreadable duration %q for %s", raw, rel),
			Err:     perr,
		}
	}
	return d, nil
}

// Silence is one detected silent interval in seconds.
type Silence struct {
	Start float64
	End   float64
}

var (
	silenceStartRe = regexp.MustCompile(`silence_start:\s*(-?[0-9.]+)`)
	silenceEndRe   = regexp.MustCompile(`silence_end:\s*(-?[0-9.]+)`)
)

func (s *Segmenter) detectSilences(ctx context.Context, rel string) ([]Silence, error) {
	filter := fmt.Sprintf("silencedetect=noise=%s:d=%s",
		s.cfg.SilenceThreshold, strconv.FormatFloat(s.cfg.SilenceDuration, 'f', -1, 64))
	res, err := s.run(ctx, "silence_detect", s.cfg.FFmpegPath,
		"-i", s.disk.Path(rel),
		"-af", filter,
		"-f", "null", "-",
	)
	if err != nil {
		return nil, err
	}
	return ParseSilences(res.Stderr + "\n" + res.Stdout), nil
}

// ParseSilences reads silencedetect output. A start without a matching end
// is dropped.
func ParseSilences(output string) []Silence {
	var out []Silence
	var start *float64
	for _, line := range strings.Split(output, "\n") {
		if m := silenceStartRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				start = &v
			}
		}
		if m := silenceEndRe.FindStringSubmatch(line); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			sl := Silence{End: v}
			if start != nil {
				sl.Start = *start
			}
			out = append(out, sl)
			start = nil
		}
	}
	return out
}

func (s *Segmenter) splitFixed(ctx context.Context, rel string, total float64) ([]types.Segment, error) {
	dir := path.Join("tmp/chunks", "dur_"+s.newID())
	if err := s.disk.MakeDir(dir); err != nil {
		return nil, &TranscodeError{Stage: "split", Message: "create chunk dir", Err: err}
	}
	if _, err := s.run(ctx, "split", s.cfg.FFmpegPath,
		"-y", "-i", s.disk.Path(rel),
		"-f", "segment",
		"-segment_time", strconv.FormatFloat(s.cfg.MaxSegmentSeconds, 'f', -1, 64),
		"-c", "copy",
		s.disk.Path(path.Join(dir, "chunk_%03d.ogg")),
	); err != nil {
		return nil, err
	}

	files, err := s.disk.Glob(path.Join(dir, "chunk_*.ogg"))
	if err != nil {
		return nil, &TranscodeError{Stage: "split", Message: "list chunks", Err: err}
	}
	if len(files) == 0 {
		s.log.WithField("source", rel).Warn("fixed split produced no chunks, using source")
		return []types.Segment{{Path: rel, Duration: total}}, nil
	}
	segments := make([]types.Segment, 0, len(files))
	for _, f := range files {
		d, err := s.probe(ctx, f)
		if err != nil {
			return nil, err
		}
		segments = append(segments, types.Segment{Path: f, Duration: math.Max(d, minSegment)})
	}
	s.debug(logrus.Fields{"chunks": len(segments)}, "fixed-duration split")
	return segments, nil
}

func (s *Segmenter) cutAt(ctx context.Context, rel string, cuts []float64, total float64) ([]types.Segment, error) {
	dir := path.Join("tmp/chunks", "split_"+s.newID())
	if err := s.disk.MakeDir(dir); err != nil {
		return nil, &TranscodeError{Stage: "cut", Message: "create chunk dir", Err: err}
	}

	segments := make([]types.Segment, 0, len(cuts)+1)
	prev := 0.0
	for i := 0; i <= len(cuts); i++ {
		out := path.Join(dir, fmt.Sprintf("chunk_%03d.ogg", i))
		args := []string{"-y", "-i", s.disk.Path(rel), "-ss", formatSeconds(prev)}
		expected := total - prev
		if i < len(cuts) {
			expected = cuts[i] - prev
			args = append(args, "-t", formatSeconds(math.Max(expected, minSegment)))
		}
		args = append(args, "-c", "copy", s.disk.Path(out))
		if _, err := s.run(ctx, "cut", s.cfg.FFmpegPath, args...); err != nil {
			return nil, err
		}

		d, err := s.probe(ctx, out)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			d = expected
		}
		segments = append(segments, types.Segment{Path: out, Duration: math.Max(d, minSegment)})
		if i < len(cuts) {
			prev = cuts[i]
		}
	}
	return segments, nil
}

func (s *Segmenter) run(ctx context.Context, stage, name string, args ...string) (commandResult, error) {
	res, err := s.runner.Run(ctx, name, args...)
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("exit status %d", res.ExitCode)
	}
	if err != nil {
		te := &TranscodeError{
			Stage:   stage,
			Message: "command failed",
			Command: CommandLog{
				Command:  name,
				Args:     append([]string(nil), args...),
				ExitCode: res.ExitCode,
				Stdout:   res.Stdout,
				Stderr:   res.Stderr,
			},
			Err: err,
		}
		s.log.WithError(te).WithField("stderr", te.Diagnostic()).Error("audio tool failed")
		return res, te
	}
	return res, nil
}

func (s *Segmenter) debug(fields logrus.Fields, msg string) {
	if s.cfg.Debug {
		s.log.WithFields(fields).Info(msg)
	}
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
