package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/faceapi"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/resolve"
)

var identifyCmd = &cobra.Command{
	Use:   "identify <image-path>",
	Short: "Identify the faces in a single image",
	Long: `Detect every face in an image and resolve each one against the
embedding store.

With --movie set, recognition is scoped to that title's stored cast and
labels use character names.

Examples:
  actordb identify still.jpg
  actordb identify still.jpg --movie "Heat" --top 5
  actordb identify still.jpg --json`,
	Args: cobra.ExactArgs(1),
	RunE: runIdentify,
}

func init() {
	rootCmd.AddCommand(identifyCmd)

	identifyCmd.Flags().String("movie", "", "Scope recognition to this title's stored cast")
	identifyCmd.Flags().Int("top", 3, "Number of nearest candidates to consider per face")
	identifyCmd.Flags().Bool("json", false, "Output as JSON")
}

// IdentifyCandidate is one nearest-neighbor hit for a face.
type IdentifyCandidate struct {
	IdentityKey string  `json:"identity_key"`
	Name        string  `json:"name"`
	Distance    float64 `json:"distance"`
}

// IdentifiedFace is the resolution result for one detected face.
type IdentifiedFace struct {
	BBox       []float64           `json:"bbox"`
	Confidence float64             `json:"confidence"`
	Label      string              `json:"label"`
	Tier       string              `json:"tier"`
	Distance   float64             `json:"distance"`
	Candidates []IdentifyCandidate `json:"candidates,omitempty"`
}

// IdentifyOutput is the JSON output structure of identify.
type IdentifyOutput struct {
	Image string           `json:"image"`
	Faces []IdentifiedFace `json:"faces"`
}

func runIdentify(cmd *cobra.Command, args []string) error {
	imagePath := args[0]
	movie := mustGetString(cmd, "movie")
	top := mustGetInt(cmd, "top")
	jsonOutput := mustGetBool(cmd, "json")

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	ctx := context.Background()
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

	scope, err := castScope(svc.store, movie)
	if err != nil {
		return err
	}

	faces, err := faceClient.Analyze(ctx, data)
	if err != nil {
		return err
	}

	thresholds := resolve.FromConfig(&svc.cfg.Tuning.Matching)
	output := IdentifyOutput{Image: imagePath}
	for _, face := range faces {
		hits, err := svc.store.Query(face.Embedding, top, scope)
		if err != nil {
			return err
		}
		decision := resolve.Resolve(hits, movie, thresholds)

		identified := IdentifiedFace{
			BBox:       face.BBox,
			Confidence: face.Confidence,
			Label:      decision.Label,
			Tier:       string(decision.Tier),
			Distance:   decision.Distance,
		}
		for _, hit := range hits {
			identified.Candidates = append(identified.Candidates, IdentifyCandidate{
				IdentityKey: hit.Identity.Key,
				Name:        hit.Identity.DisplayName,
				Distance:    hit.Distance,
			})
		}
		output.Faces = append(output.Faces, identified)
	}

	if jsonOutput {
		return outputJSON(output)
	}

	if len(output.Faces) == 0 {
		fmt.Println("No faces detected")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FACE\tLABEL\tTIER\tDISTANCE\tBBOX")
	for i, face := range output.Faces {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.3f\t[%.0f %.0f %.0f %.0f]\n",
			i+1, face.Label, face.Tier, face.Distance,
			face.BBox[0], face.BBox[1], face.BBox[2], face.BBox[3])
	}
	return w.Flush()
}
