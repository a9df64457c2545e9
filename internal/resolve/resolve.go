package resolve

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/config"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/store"
)

// Tier grades how much to trust a resolved identity.
type Tier string

const (
	TierHigh    Tier = "high"
	TierMedium  Tier = "medium"
	TierLow     Tier = "low"
	TierUnknown Tier = "unknown"
)

// Thresholds are the cosine-distance cutoffs for resolution. All three
// are distances, so smaller is closer.
type Thresholds struct {
	// Accept is the outer limit: a best hit farther than this resolves
	// to unknown.
	Accept float64
	// High and Medium grade accepted hits into confidence tiers.
	High   float64
	Medium float64
	// TieEpsilon treats hits within this distance of each other as
	// tied, breaking the tie by embedding count.
	TieEpsilon float64
}

// FromConfig builds thresholds from the tuning block.
func FromConfig(t *config.MatchingTuning) Thresholds {
	return Thresholds{
		Accept:     t.DistanceThreshold,
		High:       t.HighDistance,
		Medium:     t.MediumDistance,
		TieEpsilon: t.TieEpsilon,
	}
}

// Decision is a resolved identity for one query face.
type Decision struct {
	// Identity is nil when the face resolves to unknown.
	Identity *store.IdentityRecord
	// Label is what gets drawn: the character name when the identity
	// has a role in the queried title, the display name otherwise,
	// or "Unknown".
	Label    string
	Tier     Tier
	Distance float64
}

// Resolve grades ranked nearest-neighbor hits into a decision. Hits
// must be sorted by ascending distance, as the store returns them.
// When the two closest hits belong to different identities but are
// within TieEpsilon of each other, the identity with more supporting
// embeddings wins; ties that close are sampling noise, and the better
// covered identity is the safer call.
func Resolve(hits []store.Result, title string, th Thresholds) Decision {
	if len(hits) == 0 || hits[0].Identity == nil {
		return unknown(0)
	}

	best := hits[0]
	if best.Distance > th.Accept {
		return unknown(best.Distance)
	}

	for _, hit := range hits[1:] {
		if hit.Identity == nil || hit.Identity.Key == best.Identity.Key {
			continue
		}
		if hit.Distance-best.Distance > th.TieEpsilon {
			break
		}
		if hit.Identity.EmbeddingCount > best.Identity.EmbeddingCount {
			best = hit
		}
	}

	return Decision{
		Identity: best.Identity,
		Label:    labelFor(best.Identity, title),
		Tier:     tierFor(best.Distance, th),
		Distance: best.Distance,
	}
}

func unknown(distance float64) Decision {
	return Decision{Label: "Unknown", Tier: TierUnknown, Distance: distance}
}

func tierFor(distance float64, th Thresholds) Tier {
	switch {
	case distance <= th.High:
		return TierHigh
	case distance <= th.Medium:
		return TierMedium
	default:
		return TierLow
	}
}

// labelFor prefers the character name within the queried title. A face
// recognized during "Heat" reads better as "Neil McCauley" than as the
// actor's name.
func labelFor(rec *store.IdentityRecord, title string) string {
	if title != "" {
		if role := rec.RoleFor(title); role != "" {
			return role
		}
	}
	if rec.DisplayName != "" {
		return rec.DisplayName
	}
	return rec.Key
}

// NormalizeName folds case, diacritics, and runs of whitespace so cast
// names from different sources compare equal ("Penélope Cruz" matches
// "penelope cruz").
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}
