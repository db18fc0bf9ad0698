package latefee

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Dan9191/loan-service/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Policy decides what a lookup returns when no bucket row or tier matches
type Policy string

const (
	// PolicyZero returns a zero charge and logs a warning.
	PolicyZero Policy = "zero"
	// PolicyError returns ErrNoBucket or ErrNoTier.
	PolicyError Policy = "error"
	// PolicyClamp charges the closest tier; missing buckets still return zero.
	PolicyClamp Policy = "clamp"
)

var (
	ErrNoBucket = errors.New("late fee bucket not found")
	ErrNoTier   = errors.New("principal outside late fee tiers")
)

// Tier is an inclusive principal range with its own column in the rate table
type Tier struct {
	Key string
	Min decimal.Decimal
	Max decimal.Decimal
}

func tier(min, max int64) Tier {
	return Tier{
		Key: fmt.Sprintf("%d_%d", min, max),
		Min: decimal.NewFromInt(min),
		Max: decimal.NewFromInt(max),
	}
}

// Tiers are ordered by principal. The ranges are not contiguous.
var Tiers = []Tier{
	tier(300, 900),
	tier(1000, 1500),
	tier(1600, 2000),
	tier(2100, 2500),
	tier(2501, 3000),
	tier(3001, 3500),
	tier(3501, 4000),
	tier(4001, 4500),
	tier(4501, 5000),
	tier(5001, 5500),
	tier(5501, 6000),
}

const (
	Bucket31To60 = "31-60 días"
	Bucket61To90 = "61-90 días"
)

// Bucket maps an overdue-day count to its row label in the rate table
func Bucket(days int) string {
	switch {
	case days == 1:
		return "1 día"
	case days <= 30:
		return fmt.Sprintf("%d días", days)
	case days <= 60:
		return Bucket31To60
	default:
		return Bucket61To90
	}
}

func knownBucket(label string) bool {
	if label == Bucket31To60 || label == Bucket61To90 {
		return true
	}
	for d := 1; d <= 30; d++ {
		if Bucket(d) == label {
			return true
		}
	}
	return false
}

// Gap is a principal range no tier covers
type Gap struct {
	From decimal.Decimal `json:"from"`
	To   decimal.Decimal `json:"to"`
}

// Table resolves late charges by overdue bucket and principal tier
type Table struct {
	rows   map[string]map[string]decimal.Decimal
	policy Policy
	log    *logrus.Logger
}

// NewTable validates rows and builds a lookup table
func NewTable(rows []models.LateFeeRow, policy Policy, log *logrus.Logger) (*Table, error) {
	switch policy {
	case PolicyZero, PolicyError, PolicyClamp:
	case "":
		policy = PolicyZero
	default:
		return nil, fmt.Errorf("unknown late fee tier policy %q", policy)
	}

	t := &Table{
		rows:   make(map[string]map[string]decimal.Decimal, len(rows)),
		policy: policy,
		log:    log,
	}
	for _, row := range rows {
		if _, dup := t.rows[row.Bucket]; dup {
			return nil, fmt.Errorf("duplicate late fee bucket %q", row.Bucket)
		}
		t.rows[row.Bucket] = row.Amounts
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	for d := 1; d <= 30; d++ {
		if _, ok := t.rows[Bucket(d)]; !ok {
			log.Warnf("Late fee table has no row for %q", Bucket(d))
		}
	}
	for _, g := range t.Gaps() {
		log.WithFields(logrus.Fields{"from": g.From.String(), "to": g.To.String(), "policy": policy}).
			Warn("Late fee tiers leave a principal gap")
	}
	return t, nil
}

// Validate checks labels, tier columns and amounts
func (t *Table) Validate() error {
	for label, amounts := range t.rows {
		if !knownBucket(label) {
			return fmt.Errorf("unknown late fee bucket %q", label)
		}
		for _, tr := range Tiers {
			amount, ok := amounts[tr.Key]
			if !ok {
				return fmt.Errorf("late fee bucket %q is missing tier %s", label, tr.Key)
			}
			if amount.IsNegative() {
				return fmt.Errorf("late fee bucket %q tier %s is negative", label, tr.Key)
			}
		}
	}
	return nil
}

// Gaps lists the principal ranges between consecutive tiers that no tier covers
func (t *Table) Gaps() []Gap {
	var gaps []Gap
	for i := 1; i < len(Tiers); i++ {
		prev, cur := Tiers[i-1], Tiers[i]
		if cur.Min.Sub(prev.Max).GreaterThan(decimal.NewFromInt(1)) {
			gaps = append(gaps, Gap{From: prev.Max, To: cur.Min})
		}
	}
	return gaps
}

// Buckets returns the loaded bucket labels, sorted
func (t *Table) Buckets() []string {
	labels := make([]string, 0, len(t.rows))
	for label := range t.rows {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Charge returns the late charge for a bucket label and loan principal
func (t *Table) Charge(bucket string, principal decimal.Decimal) (decimal.Decimal, error) {
	amounts, ok := t.rows[bucket]
	if !ok {
		if t.policy == PolicyError {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrNoBucket, bucket)
		}
		t.log.WithField("bucket", bucket).Warn("Late fee bucket not found")
		return decimal.Zero, nil
	}

	if tr, ok := tierFor(principal); ok {
		return amounts[tr.Key], nil
	}

	switch t.policy {
	case PolicyError:
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoTier, principal.String())
	case PolicyClamp:
		tr := closestTier(principal)
		t.log.WithFields(logrus.Fields{"principal": principal.String(), "tier": tr.Key}).
			Info("Principal outside late fee tiers, using closest tier")
		return amounts[tr.Key], nil
	}
	t.log.WithField("principal", principal.String()).Warn("Principal outside late fee tiers")
	return decimal.Zero, nil
}

// ChargeForDays is Charge keyed by an overdue-day count. Zero days cost nothing.
func (t *Table) ChargeForDays(days int, principal decimal.Decimal) (decimal.Decimal, error) {
	if days <= 0 {
		return decimal.Zero, nil
	}
	return t.Charge(Bucket(days), principal)
}

func tierFor(principal decimal.Decimal) (Tier, bool) {
	for _, tr := range Tiers {
		if principal.GreaterThanOrEqual(tr.Min) && principal.LessThanOrEqual(tr.Max) {
			return tr, true
		}
	}
	return Tier{}, false
}

func closestTier(principal decimal.Decimal) Tier {
	best := Tiers[0]
	bestDist := distance(principal, best)
	for _, tr := range Tiers[1:] {
		if d := distance(principal, tr); d.LessThan(bestDist) {
			best, bestDist = tr, d
		}
	}
	return best
}

func distance(p decimal.Decimal, tr Tier) decimal.Decimal {
	if p.LessThan(tr.Min) {
		return tr.Min.Sub(p)
	}
	return p.Sub(tr.Max)
}
