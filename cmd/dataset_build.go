package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/faceapi"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/ingest"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/tmdb"
)

var datasetBuildCmd = &cobra.Command{
	Use:   "build <movie-title>",
	Short: "Build face embeddings for a movie's cast from TMDB imagery",
	Long: `Build the face embedding dataset for one movie.

This command:
1. Looks up the movie on TMDB and fetches its credited cast
2. Assigns each character a stable annotation style for this title
3. Downloads portrait images for every cast member
4. Detects faces, grades crops, deduplicates, and stores embeddings

Requires TMDB_API_KEY and a running face analysis service (FACEAPI_URL).
With DATABASE_URL set, embeddings are also mirrored into PostgreSQL.

Examples:
  # Build the top-billed 10 actors of a movie
  actordb dataset build "The Shawshank Redemption"

  # Disambiguate by release year and take more of the cast
  actordb dataset build "Heat" --year 1995 --top 20

  # More portraits per actor, smaller downloads
  actordb dataset build "Alien" --images 12 --size w342

  # Output as JSON
  actordb dataset build "Alien" --json`,
	Args: cobra.ExactArgs(1),
	RunE: runDatasetBuild,
}

func init() {
	datasetCmd.AddCommand(datasetBuildCmd)

	datasetBuildCmd.Flags().Int("year", 0, "Release year to disambiguate the title (0 = any)")
	datasetBuildCmd.Flags().Int("top", 10, "Number of top-billed cast members to ingest (0 = all)")
	datasetBuildCmd.Flags().Int("images", 8, "Maximum portrait images to fetch per actor")
	datasetBuildCmd.Flags().String("size", "w500", "TMDB image size class (e.g. w342, w500, original)")
	datasetBuildCmd.Flags().String("shape", "rectangle", "Annotation shape for this title (rectangle, rounded_rectangle, ellipse)")
	datasetBuildCmd.Flags().Bool("json", false, "Output as JSON")
}

type buildCmdFlags struct {
	title      string
	year       int
	top        int
	images     int
	size       string
	shape      string
	jsonOutput bool
}

// ActorBuildResult summarizes ingestion for one cast member.
type ActorBuildResult struct {
	IdentityKey string   `json:"identity_key"`
	Actor       string   `json:"actor"`
	Character   string   `json:"character"`
	Images      int      `json:"images"`
	Added       int      `json:"added"`
	Duplicates  int      `json:"duplicates"`
	NoFace      int      `json:"no_face"`
	Ambiguous   int      `json:"ambiguous"`
	Rejected    int      `json:"rejected"`
	Evicted     int      `json:"evicted"`
	Failures    []string `json:"failures,omitempty"`
}

// BuildOutput is the JSON output structure of dataset build.
type BuildOutput struct {
	RunID       string             `json:"run_id"`
	Movie       string             `json:"movie"`
	MovieID     int                `json:"movie_id"`
	ReleaseDate string             `json:"release_date,omitempty"`
	Cast        []ActorBuildResult `json:"cast"`
	TotalAdded  int                `json:"total_added"`
}

func runDatasetBuild(cmd *cobra.Command, args []string) error {
	flags := &buildCmdFlags{
		title:      args[0],
		year:       mustGetInt(cmd, "year"),
		top:        mustGetInt(cmd, "top"),
		images:     mustGetInt(cmd, "images"),
		size:       mustGetString(cmd, "size"),
		shape:      mustGetString(cmd, "shape"),
		jsonOutput: mustGetBool(cmd, "json"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	tmdbClient, err := tmdb.NewClient(&svc.cfg.TMDB)
	if err != nil {
		return err
	}
	faceClient, err := faceapi.NewClient(&svc.cfg.FaceAPI)
	if err != nil {
		return err
	}
	if faceClient.Dimension() != svc.store.Dimension() {
		return fmt.Errorf("face service produces %d-dimensional embeddings, store is configured for %d",
			faceClient.Dimension(), svc.store.Dimension())
	}

	movies, err := tmdbClient.SearchMovie(ctx, flags.title, flags.year)
	if err != nil {
		return err
	}
	movie := movies[0]
	warnf(flags.jsonOutput, "Found movie: %s (%s, TMDB #%d)\n", movie.Title, movie.ReleaseDate, movie.ID)

	cast, err := tmdbClient.GetCast(ctx, movie.ID, flags.top)
	if err != nil {
		return err
	}
	if len(cast) == 0 {
		return fmt.Errorf("movie %q has no credited cast", movie.Title)
	}
	warnf(flags.jsonOutput, "Ingesting %d cast members\n", len(cast))

	characters := make([]string, len(cast))
	for i, member := range cast {
		characters[i] = characterLabel(member)
	}
	styles, err := svc.styles.AssignTitle(movie.Title, characters, flags.shape)
	if err != nil {
		return fmt.Errorf("assigning character styles: %w", err)
	}

	var saver ingest.Saver
	if svc.repo != nil {
		saver = svc.repo
	}
	pipeline := ingest.New(faceClient, svc.store, saver, svc.cfg.Tuning.Ingest, svc.cfg.Tuning.Dedup)

	output := &BuildOutput{
		RunID:       uuid.NewString(),
		Movie:       movie.Title,
		MovieID:     movie.ID,
		ReleaseDate: movie.ReleaseDate,
	}

	for _, member := range cast {
		character := characterLabel(member)
		rec := svc.store.UpsertIdentity(member.IdentityKey(), member.Name, movie.Title, character, styles[character].ColorHex)
		if svc.repo != nil {
			if err := svc.repo.UpsertIdentity(ctx, rec); err != nil {
				return fmt.Errorf("persisting identity %s: %w", member.IdentityKey(), err)
			}
		}

		assets, err := collectActorAssets(ctx, tmdbClient, member, flags)
		if err != nil {
			return err
		}

		result, err := ingestActorAssets(ctx, pipeline, member, character, assets, flags.jsonOutput)
		if result != nil {
			output.Cast = append(output.Cast, *result)
			output.TotalAdded += result.Added
		}
		if err != nil {
			// Persist what succeeded before the failure so a re-run can
			// continue from it.
			if perr := svc.persist(); perr != nil {
				return errors.Join(err, perr)
			}
			return err
		}
	}

	if err := svc.persist(); err != nil {
		return err
	}

	if flags.jsonOutput {
		return outputJSON(output)
	}
	printBuildResults(output)
	return nil
}

// characterLabel returns the role name used for style assignment and
// recognition labels. Uncredited roles fall back to the actor's name.
func characterLabel(member tmdb.CastMember) string {
	if member.Character != "" {
		return member.Character
	}
	return member.Name
}

// collectActorAssets downloads up to the configured number of portraits
// for one cast member. Missing images are skipped, not fatal.
func collectActorAssets(ctx context.Context, client *tmdb.Client, member tmdb.CastMember, flags *buildCmdFlags) ([]ingest.Asset, error) {
	profiles, err := client.GetPersonImages(ctx, member.PersonID)
	if err != nil {
		if errors.Is(err, tmdb.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if flags.images > 0 && len(profiles) > flags.images {
		profiles = profiles[:flags.images]
	}

	assets := make([]ingest.Asset, 0, len(profiles))
	for _, profile := range profiles {
		data, err := client.GetImage(ctx, profile.FilePath, flags.size)
		if errors.Is(err, tmdb.ErrNotFound) {
			warnf(flags.jsonOutput, "  image %s is gone upstream, skipping\n", profile.FilePath)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("downloading %s: %w", profile.FilePath, err)
		}
		assets = append(assets, ingest.Asset{Source: profile.FilePath, Data: data})
	}
	return assets, nil
}

func ingestActorAssets(ctx context.Context, pipeline *ingest.Pipeline, member tmdb.CastMember, character string, assets []ingest.Asset, jsonOutput bool) (*ActorBuildResult, error) {
	result := &ActorBuildResult{
		IdentityKey: member.IdentityKey(),
		Actor:       member.Name,
		Character:   character,
		Images:      len(assets),
	}
	if len(assets) == 0 {
		warnf(jsonOutput, "No portraits available for %s\n", member.Name)
		return result, nil
	}

	var bar *progressbar.ProgressBar
	if !jsonOutput {
		bar = progressbar.NewOptions(len(assets),
			progressbar.OptionSetDescription(member.Name),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
		pipeline.OnProgress = func(done, total int) { _ = bar.Set(done) }
	} else {
		pipeline.OnProgress = nil
	}

	report, err := pipeline.Run(ctx, member.IdentityKey(), assets)
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}

	if report != nil {
		result.Added = report.Added
		result.Duplicates = report.Duplicates
		result.NoFace = report.NoFace
		result.Ambiguous = report.Ambiguous
		result.Rejected = report.Rejected
		result.Evicted = report.Evicted
		for _, failure := range report.Failures {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", failure.Source, failure.Err))
		}
	}
	if err != nil {
		return result, fmt.Errorf("ingesting %s: %w", member.Name, err)
	}
	return result, nil
}

func printBuildResults(output *BuildOutput) {
	fmt.Printf("\nRun %s: %s\n\n", output.RunID, output.Movie)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACTOR\tCHARACTER\tIMAGES\tADDED\tDUPES\tNO FACE\tAMBIGUOUS\tREJECTED\tFAILED")
	for _, r := range output.Cast {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.Actor, r.Character, r.Images, r.Added, r.Duplicates, r.NoFace, r.Ambiguous, r.Rejected, len(r.Failures))
	}
	w.Flush()

	fmt.Printf("\nTotal embeddings added: %d\n", output.TotalAdded)
	for _, r := range output.Cast {
		for _, f := range r.Failures {
			fmt.Printf("  warning (%s): %s\n", r.Actor, f)
		}
	}
}
