package entitlements

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/beastdl/beastdl/app/models"
)

type Plan string

const (
	PlanFree   Plan = "free"
	PlanBronze Plan = "bronze"
	PlanSilver Plan = "silver"
	PlanGold   Plan = "gold"
)

// Limits bounds what a plan allows per user.
type Limits struct {
	DailyDownloads int
	MaxFileSize    int64
	MaxQuality     string
	Price          int64
}

// planLimits is the static, exhaustively-cased plan table. Gold's "unlimited"
// daily count is modelled as a very large number so the counting path and the
// monotonicity check stay uniform.
var planLimits = map[Plan]Limits{
	PlanFree:   {DailyDownloads: 5, MaxFileSize: 50 * 1024 * 1024, MaxQuality: "720p", Price: 0},
	PlanBronze: {DailyDownloads: 50, MaxFileSize: 200 * 1024 * 1024, MaxQuality: "1080p", Price: 50000},
	PlanSilver: {DailyDownloads: 150, MaxFileSize: 500 * 1024 * 1024, MaxQuality: "1080p+", Price: 100000},
	PlanGold:   {DailyDownloads: math.MaxInt32, MaxFileSize: 2 * 1024 * 1024 * 1024, MaxQuality: "4K", Price: 200000},
}

// rankOrder lists plans from lowest to highest tier.
var rankOrder = []Plan{PlanFree, PlanBronze, PlanSilver, PlanGold}

// qualityHeights maps quality labels onto the max pixel height the fetcher
// may select. Unknown labels fall back to 360p.
var qualityHeights = map[string]int{
	"144p":   144,
	"240p":   240,
	"360p":   360,
	"480p":   480,
	"720p":   720,
	"1080p":  1080,
	"1080p+": 1440,
	"1440p":  1440,
	"2160p":  2160,
	"4K":     2160,
}

// MaxQualityHeight resolves the plan's quality label to a pixel height bound.
func (l Limits) MaxQualityHeight() int {
	if h, ok := qualityHeights[l.MaxQuality]; ok {
		return h
	}
	return 360
}

// LimitsFor returns the limits for a plan, falling back to free for unknown values.
func LimitsFor(plan Plan) Limits {
	if l, ok := planLimits[plan]; ok {
		return l
	}
	return planLimits[PlanFree]
}

// NormalizePlan maps arbitrary input to a known plan, defaulting to free.
func NormalizePlan(plan string) Plan {
	switch Plan(strings.ToLower(strings.TrimSpace(plan))) {
	case PlanBronze:
		return PlanBronze
	case PlanSilver:
		return PlanSilver
	case PlanGold:
		return PlanGold
	default:
		return PlanFree
	}
}

// PlanRank returns the tier order of a plan; higher outranks lower.
func PlanRank(plan Plan) int {
	for i, p := range rankOrder {
		if p == plan {
			return i
		}
	}
	return 0
}

// IsPaidPlan reports whether the plan requires a verified payment.
func IsPaidPlan(plan Plan) bool {
	return PlanRank(plan) > PlanRank(PlanFree)
}

// EffectivePlan resolves the plan whose limits apply to a user right now.
// Expired or missing plan expiry falls back to free.
func EffectivePlan(u *models.User, now time.Time) Plan {
	plan := NormalizePlan(u.Plan)
	if plan == PlanFree {
		return PlanFree
	}
	if !u.PlanActiveAt(now) {
		return PlanFree
	}
	return plan
}

// ValidateLimits checks that each tier is a superset of the tier below it on
// every limit dimension. Called once at startup; a violation is fatal.
func ValidateLimits() error {
	for i := 1; i < len(rankOrder); i++ {
		lower := planLimits[rankOrder[i-1]]
		upper := planLimits[rankOrder[i]]
		if upper.DailyDownloads < lower.DailyDownloads {
			return fmt.Errorf("plan %s allows fewer daily downloads than %s", rankOrder[i], rankOrder[i-1])
		}
		if upper.MaxFileSize < lower.MaxFileSize {
			return fmt.Errorf("plan %s allows smaller files than %s", rankOrder[i], rankOrder[i-1])
		}
		if upper.MaxQualityHeight() < lower.MaxQualityHeight() {
			return fmt.Errorf("plan %s allows lower quality than %s", rankOrder[i], rankOrder[i-1])
		}
	}
	return nil
}
