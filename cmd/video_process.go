package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/faceapi"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/resolve"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/store"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/video"
)

var videoProcessCmd = &cobra.Command{
	Use:   "process <input.mjpeg>",
	Short: "Recognize cast faces in an MJPEG stream and write an annotated copy",
	Long: `Process an MJPEG video stream: sample frames, recognize faces against
the embedding store, and write every frame back out with labelled boxes
drawn over recognized cast members.

The sampling step adapts to the stream duration (pass --duration for
anything longer than a clip); recognized faces are held across skipped
frames so labels do not flicker.

With --movie set, recognition is scoped to that title's stored cast and
labels use character names.

Examples:
  # Annotate a short clip
  actordb video process clip.mjpeg

  # Feature film: scope to its cast, tell the sampler how long it is
  actordb video process heat.mjpeg --movie "Heat" --duration 2h50m

  # Custom output path and frame rate
  actordb video process in.mjpeg --output out.mjpeg --fps 30`,
	Args: cobra.ExactArgs(1),
	RunE: runVideoProcess,
}

func init() {
	videoCmd.AddCommand(videoProcessCmd)

	videoProcessCmd.Flags().String("output", "", "Output path (default <input>.annotated.mjpeg)")
	videoProcessCmd.Flags().Float64("fps", 24, "Frame rate of the input stream")
	videoProcessCmd.Flags().String("duration", "", "Stream duration for sampling decisions (e.g. 1h45m)")
	videoProcessCmd.Flags().String("movie", "", "Scope recognition to this title's stored cast")
	videoProcessCmd.Flags().Int("quality", 90, "JPEG quality of the output stream")
	videoProcessCmd.Flags().Bool("resume", false, "Continue a cancelled run, appending after the frames already written")
	videoProcessCmd.Flags().Bool("json", false, "Output as JSON")
}

type processCmdFlags struct {
	input      string
	output     string
	fps        float64
	duration   time.Duration
	movie      string
	quality    int
	resume     bool
	jsonOutput bool
}

// ProcessOutput is the JSON output structure of video process.
type ProcessOutput struct {
	RunID           string         `json:"run_id"`
	Input           string         `json:"input"`
	Output          string         `json:"output"`
	State           string         `json:"state"`
	Skip            int            `json:"skip"`
	FramesRead      int            `json:"frames_read"`
	FramesProcessed int            `json:"frames_processed"`
	FacesDetected   int            `json:"faces_detected"`
	Recognized      map[string]int `json:"recognized"`
	LastGoodFrame   int            `json:"last_good_frame"`
	Error           string         `json:"error,omitempty"`
}

func runVideoProcess(cmd *cobra.Command, args []string) error {
	flags := &processCmdFlags{
		input:      args[0],
		output:     mustGetString(cmd, "output"),
		fps:        mustGetFloat64(cmd, "fps"),
		movie:      mustGetString(cmd, "movie"),
		quality:    mustGetInt(cmd, "quality"),
		resume:     mustGetBool(cmd, "resume"),
		jsonOutput: mustGetBool(cmd, "json"),
	}
	if durationStr := mustGetString(cmd, "duration"); durationStr != "" {
		d, err := time.ParseDuration(durationStr)
		if err != nil {
			return fmt.Errorf("invalid --duration %q: %w", durationStr, err)
		}
		flags.duration = d
	}
	if flags.fps <= 0 {
		return fmt.Errorf("--fps must be positive")
	}
	if flags.output == "" {
		flags.output = strings.TrimSuffix(flags.input, ".mjpeg") + ".annotated.mjpeg"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	faceClient, err := faceapi.NewClient(&svc.cfg.FaceAPI)
	if err != nil {
		return err
	}
	if faceClient.Dimension() != svc.store.Dimension() {
		return fmt.Errorf("face service produces %d-dimensional embeddings, store is configured for %d",
			faceClient.Dimension(), svc.store.Dimension())
	}

	scope, err := castScope(svc.store, flags.movie)
	if err != nil {
		return err
	}

	startFrame := 0
	outFlags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if flags.resume {
		startFrame, err = countEmittedFrames(flags.output)
		if err != nil {
			return err
		}
		if startFrame > 0 {
			outFlags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			warnf(flags.jsonOutput, "Resuming at frame %d\n", startFrame)
		}
	}

	in, err := os.Open(flags.input)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	var src video.FrameSource = video.NewMJPEGSource(in, flags.fps, flags.duration)
	if startFrame > 0 {
		src = video.NewResumeSource(src, startFrame)
	}
	defer src.Close()

	out, err := os.OpenFile(flags.output, outFlags, 0o644)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	sink := video.NewMJPEGSink(out, flags.quality)

	engine := video.NewEngine(faceClient, svc.store, svc.styles,
		resolve.FromConfig(&svc.cfg.Tuning.Matching), svc.cfg.Tuning.Video)

	if !flags.jsonOutput {
		bar := progressbar.NewOptions(-1, // spinner until the engine reports its estimate
			progressbar.OptionSetDescription("Processing frames"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("frames"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
		engine.OnProgress = func(p video.Progress) {
			if p.TotalEstimate > 0 && bar.GetMax() != p.TotalEstimate {
				bar.ChangeMax(p.TotalEstimate)
			}
			_ = bar.Set(p.FramesRead)
		}
		defer fmt.Println()
	}

	result, runErr := engine.Process(ctx, src, sink, flags.movie, scope)
	if closeErr := sink.Close(); closeErr != nil && runErr == nil {
		runErr = fmt.Errorf("finalizing output: %w", closeErr)
		result.State = video.StateFailed
	}

	output := &ProcessOutput{
		RunID:           uuid.NewString(),
		Input:           flags.input,
		Output:          flags.output,
		State:           string(result.State),
		Skip:            result.Skip,
		FramesRead:      result.FramesRead,
		FramesProcessed: result.FramesProcessed,
		FacesDetected:   result.FacesDetected,
		Recognized:      tierCounts(result.Recognized),
		LastGoodFrame:   result.LastGoodFrame,
	}
	if runErr != nil {
		output.Error = runErr.Error()
	}

	if flags.jsonOutput {
		if err := outputJSON(output); err != nil {
			return err
		}
		return runErr
	}
	printProcessResult(output)
	return runErr
}

// countEmittedFrames counts complete frames already present in a
// partial output so a resumed run continues after them. A missing
// output means a fresh start.
func countEmittedFrames(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("opening output for resume: %w", err)
	}
	defer f.Close()

	n, err := video.CountFrames(f)
	if err != nil {
		return 0, fmt.Errorf("scanning output for resume: %w", err)
	}
	return n, nil
}

// castScope restricts recognition to identities with a role in the
// title. Empty title means no restriction.
func castScope(st *store.Store, title string) (store.Scope, error) {
	if title == "" {
		return nil, nil
	}
	var keys []string
	for _, rec := range st.Identities() {
		if rec.RoleFor(title) != "" {
			keys = append(keys, rec.Key)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no stored cast for %q; run 'actordb dataset build %q' first", title, title)
	}
	return store.NewScope(keys...), nil
}

func tierCounts(recognized map[resolve.Tier]int) map[string]int {
	out := make(map[string]int, len(recognized))
	for tier, n := range recognized {
		out[string(tier)] = n
	}
	return out
}

func printProcessResult(output *ProcessOutput) {
	fmt.Printf("\nRun %s: %s\n", output.RunID, output.State)
	fmt.Printf("  Frames read:      %d\n", output.FramesRead)
	fmt.Printf("  Frames processed: %d (every %d%s frame)\n", output.FramesProcessed, output.Skip, ordinal(output.Skip))
	fmt.Printf("  Faces detected:   %d\n", output.FacesDetected)
	for _, tier := range []string{"high", "medium", "low", "unknown"} {
		if n := output.Recognized[tier]; n > 0 {
			fmt.Printf("    %-8s %d\n", tier+":", n)
		}
	}
	if output.State == string(video.StateFailed) {
		fmt.Printf("  Last good frame:  %d\n", output.LastGoodFrame)
	}
	fmt.Printf("  Output:           %s\n", output.Output)
}

func ordinal(n int) string {
	switch {
	case n%100 >= 11 && n%100 <= 13:
		return "th"
	case n%10 == 1:
		return "st"
	case n%10 == 2:
		return "nd"
	case n%10 == 3:
		return "rd"
	default:
		return "th"
	}
}
