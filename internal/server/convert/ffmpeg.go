package convert

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	durationPattern = regexp.MustCompile(`Duration: (\d{2}):(\d{2}):(\d{2}\.\d{2})`)
	timePattern     = regexp.MustCompile(`time=(\d{2}):(\d{2}):(\d{2}\.\d{2})`)
	framePattern    = regexp.MustCompile(`frame=\s*(\d+)`)
)

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// startFunc launches a long-running command and exposes its stderr stream,
// which is where the encoder writes progress lines.
type startFunc func(ctx context.Context, name string, args ...string) (io.ReadCloser, func() error, error)

func execStart(ctx context.Context, name string, args ...string) (io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return stderr, cmd.Wait, nil
}

// FFmpegConverter shells out to ffmpeg for the transcode and to ffprobe for
// the source duration that percent progress is derived from.
type FFmpegConverter struct {
	ffmpegPath  string
	ffprobePath string
	runner      commandRunner
	start       startFunc
}

func NewFFmpegConverter() *FFmpegConverter {
	return &FFmpegConverter{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		runner:      &execRunner{},
		start:       execStart,
	}
}

func baseArgs(input string) []string {
	return []string{"-y", "-fflags", "+genpts", "-i", input}
}

// encodeArgs is the CPU encode profile: 720p x264 with aac audio, tuned for
// throughput over quality.
func encodeArgs(output string) []string {
	return []string{
		"-c:v", "libx264", "-preset", "ultrafast", "-crf", "29",
		"-vf", "scale=1280:720",
		"-c:a", "aac", "-b:a", "128k",
		"-progress", "pipe:2",
		"-threads", "0",
		output,
	}
}

func (c *FFmpegConverter) Convert(ctx context.Context, inputPath, outputDir string, onProgress ProgressFunc) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}

	base := filepath.Base(inputPath)
	outputPath := filepath.Join(outputDir, strings.TrimSuffix(base, filepath.Ext(base))+".mp4")

	totalDuration, totalFrames := c.probe(ctx, inputPath)

	args := append(baseArgs(inputPath), encodeArgs(outputPath)...)
	stderr, wait, err := c.start(ctx, c.ffmpegPath, args...)
	if err != nil {
		return "", fmt.Errorf("ffmpeg start: %w", err)
	}

	report(onProgress, 0)
	var tail []string
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		tail = append(tail, line)
		if len(tail) > 20 {
			tail = tail[1:]
		}

		if seconds, ok := parseTimeProgress(line); ok && totalDuration > 0 {
			report(onProgress, int(seconds/totalDuration*100))
			continue
		}
		if frame, ok := parseFrameProgress(line); ok && totalFrames > 0 {
			report(onProgress, frame*100/totalFrames)
		}
	}

	if err := wait(); err != nil {
		return "", fmt.Errorf("ffmpeg failed for %s: %w: %s", base, err, strings.Join(tail, "\n"))
	}

	report(onProgress, 100)
	return outputPath, nil
}

// probe queries ffprobe for the source duration and frame count, falling
// back to a null-muxed ffmpeg pass when ffprobe cannot read the container.
func (c *FFmpegConverter) probe(ctx context.Context, inputPath string) (float64, int) {
	res, err := c.runner.Run(ctx, c.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration:stream=nb_frames",
		"-of", "json",
		inputPath)
	if err == nil {
		if duration, frames, ok := parseProbeOutput(res.Stdout); ok {
			return duration, frames
		}
	}

	res, _ = c.runner.Run(ctx, c.ffmpegPath, "-y", "-fflags", "+genpts", "-i", inputPath, "-f", "null", "-")
	if duration, ok := parseDuration(res.Stderr); ok {
		return duration, 0
	}
	return 0, 0
}

func parseProbeOutput(out string) (float64, int, bool) {
	var data struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
		Streams []struct {
			NbFrames string `json:"nb_frames"`
		} `json:"streams"`
	}
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		return 0, 0, false
	}

	duration, err := strconv.ParseFloat(data.Format.Duration, 64)
	if err != nil || duration <= 0 {
		return 0, 0, false
	}

	var frames int
	if len(data.Streams) > 0 {
		frames, _ = strconv.Atoi(data.Streams[0].NbFrames)
	}
	return duration, frames, true
}

// parseDuration extracts the container duration from an ffmpeg banner.
func parseDuration(stderr string) (float64, bool) {
	m := durationPattern.FindStringSubmatch(stderr)
	if m == nil {
		return 0, false
	}
	return clockToSeconds(m[1], m[2], m[3]), true
}

// parseTimeProgress extracts the encoded position from a progress line.
func parseTimeProgress(line string) (float64, bool) {
	m := timePattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	return clockToSeconds(m[1], m[2], m[3]), true
}

func parseFrameProgress(line string) (int, bool) {
	m := framePattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	frame, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return frame, true
}

func clockToSeconds(h, m, s string) float64 {
	hours, _ := strconv.ParseFloat(h, 64)
	minutes, _ := strconv.ParseFloat(m, 64)
	seconds, _ := strconv.ParseFloat(s, 64)
	return hours*3600 + minutes*60 + seconds
}

func report(fn ProgressFunc, percent int) {
	if fn != nil {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		fn(percent)
	}
}
