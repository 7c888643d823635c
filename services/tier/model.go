package tier

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Interaction string

const (
	Like    Interaction = "like"
	Retweet Interaction = "retweet"
	Reply   Interaction = "reply"
)

// Interactions lists every interaction type in a stable order.
var Interactions = []Interaction{Like, Retweet, Reply}

func (i Interaction) Valid() bool {
	switch i {
	case Like, Retweet, Reply:
		return true
	}
	return false
}

const (
	Micro = "micro"
	Nano  = "nano"
	Mid   = "mid"
	Macro = "macro"
	Mega  = "mega"

	// Fallback is the tier whose rule applies to unknown tiers.
	Fallback = Micro
)

// Known lists the built-in tiers from the smallest audience to the largest.
var Known = []string{Micro, Nano, Mid, Macro, Mega}

type Rule struct {
	Tier                 string     `gorm:"column:tier;primaryKey;size:32" json:"tier"`
	SubmissionCost       int64      `gorm:"column:submission_cost" json:"submission_cost" validate:"gte=0"`
	DailySubmissionLimit int        `gorm:"column:daily_submission_limit" json:"daily_submission_limit" validate:"gte=1"`
	LikePoints           int64      `gorm:"column:like_points" json:"like_points" validate:"gte=0"`
	RetweetPoints        int64      `gorm:"column:retweet_points" json:"retweet_points" validate:"gte=0"`
	ReplyPoints          int64      `gorm:"column:reply_points" json:"reply_points" validate:"gte=0"`
	BonusMultiplier      Multiplier `gorm:"column:bonus_multiplier_milli" json:"bonus_multiplier" validate:"gt=0"`
	EligibilityExpr      string     `gorm:"column:eligibility_expr;type:text" json:"eligibility_expr,omitempty"`
	UpdatedBy            string     `gorm:"column:updated_by;size:64" json:"updated_by,omitempty"`
	UpdatedAt            time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (Rule) TableName() string { return "engagement_tier_rules" }

// PointsFor returns the base points for an interaction before the multiplier.
func (r *Rule) PointsFor(i Interaction) int64 {
	switch i {
	case Like:
		return r.LikePoints
	case Retweet:
		return r.RetweetPoints
	case Reply:
		return r.ReplyPoints
	}
	return 0
}

// Award is floor(points * multiplier) for the interaction, computed in
// integer thousandths.
func (r *Rule) Award(i Interaction) int64 {
	return r.PointsFor(i) * int64(r.BonusMultiplier) / multiplierScale
}

// Multiplier is a bonus multiplier in thousandths: 1.15 is stored as 1150.
// It reads and writes JSON as a decimal number.
type Multiplier int64

const (
	multiplierScale  = 1000
	multiplierDigits = 3
)

// ParseMultiplier parses a decimal such as "1.15" without going through
// float64. At most three fractional digits are accepted.
func ParseMultiplier(raw string) (Multiplier, error) {
	s := strings.TrimSpace(raw)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" || len(frac) > multiplierDigits || strings.ContainsAny(whole+frac, "+-eE") {
		return 0, fmt.Errorf("multiplier %q: expected a decimal with at most %d fractional digits", raw, multiplierDigits)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("multiplier %q: %w", raw, err)
	}
	var f int64
	if frac != "" {
		if f, err = strconv.ParseInt(frac+strings.Repeat("0", multiplierDigits-len(frac)), 10, 64); err != nil {
			return 0, fmt.Errorf("multiplier %q: %w", raw, err)
		}
	}

	m := Multiplier(w*multiplierScale + f)
	if neg {
		m = -m
	}
	return m, nil
}

func (m Multiplier) String() string {
	sign := ""
	if m < 0 {
		sign, m = "-", -m
	}
	out := fmt.Sprintf("%s%d.%03d", sign, int64(m)/multiplierScale, int64(m)%multiplierScale)
	return strings.TrimSuffix(strings.TrimRight(out, "0"), ".")
}

func (m Multiplier) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Multiplier) UnmarshalJSON(b []byte) error {
	v, err := ParseMultiplier(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func defaultRule(tier string, cost int64, limit int, mult Multiplier) Rule {
	return Rule{
		Tier:                 tier,
		SubmissionCost:       cost,
		DailySubmissionLimit: limit,
		LikePoints:           10,
		RetweetPoints:        35,
		ReplyPoints:          20,
		BonusMultiplier:      mult,
		UpdatedBy:            "system",
	}
}

var defaults = map[string]Rule{
	Micro: defaultRule(Micro, 500, 5, 1000),
	Nano:  defaultRule(Nano, 300, 10, 1500),
	Mid:   defaultRule(Mid, 200, 20, 2000),
	Macro: defaultRule(Macro, 100, 50, 2500),
	Mega:  defaultRule(Mega, 50, 100, 3000),
}

// Default returns the seeded rule for tier and whether tier is a known tier.
// Unknown tiers get the fallback rule.
func Default(tier string) (Rule, bool) {
	if r, ok := defaults[tier]; ok {
		return r, true
	}
	return defaults[Fallback], false
}
