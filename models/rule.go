package models

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Rule is one matching rule. At most one rule per kind is expected to be active;
// when several exist the lowest id wins.
type Rule struct {
	ID        int             `gorm:"primary_key" json:"id" yaml:"-"`
	Kind      RuleKind        `gorm:"size:20;not null;index" json:"kind" yaml:"kind"`
	Fields    []string        `gorm:"serializer:json;type:text;not null" json:"fields" yaml:"fields"`
	Tolerance decimal.Decimal `gorm:"type:decimal(10,6);not null;default:0" json:"tolerance" yaml:"tolerance"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at" yaml:"-"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at" yaml:"-"`
}

// RuleSet is an immutable snapshot of the active rules, taken once per run.
type RuleSet struct {
	Exact     *Rule
	Partial   *Rule
	Duplicate *Rule
}

// NewRuleSet copies rules into a snapshot; callers may mutate their slice afterwards.
func NewRuleSet(rules []Rule) RuleSet {
	var set RuleSet
	for i := range rules {
		r := rules[i]
		r.Fields = append([]string(nil), rules[i].Fields...)
		switch r.Kind {
		case RuleKindExact:
			if set.Exact == nil {
				set.Exact = &r
			}
		case RuleKindPartial:
			if set.Partial == nil {
				set.Partial = &r
			}
		case RuleKindDuplicate:
			if set.Duplicate == nil {
				set.Duplicate = &r
			}
		}
	}
	return set
}

func (s RuleSet) IsEmpty() bool {
	return s.Exact == nil && s.Partial == nil && s.Duplicate == nil
}

// Validate checks the rule shape: known kind, non-empty list of known fields,
// and a tolerance in [0, 1] for Partial rules.
func (r Rule) Validate() error {
	if !r.Kind.IsValid() {
		return NewValidationError("kind", "unknown rule kind %q", r.Kind)
	}
	if len(r.Fields) == 0 {
		return NewValidationError("fields", "%s rule has no fields", r.Kind)
	}
	for _, f := range r.Fields {
		if !IsRecordField(f) {
			return NewValidationError("fields", "%s rule names unknown field %q", r.Kind, f)
		}
	}
	if r.Kind == RuleKindPartial {
		if r.Tolerance.IsNegative() || r.Tolerance.GreaterThan(decimal.NewFromInt(1)) {
			return NewValidationError("tolerance", "tolerance %s outside [0, 1]", r.Tolerance.String())
		}
	}
	return nil
}

// LoadRuleSet reads the current rules and returns them as a snapshot.
func LoadRuleSet(ctx context.Context, tx *gorm.DB) (RuleSet, error) {
	var rules []Rule
	if err := tx.WithContext(ctx).Order("id ASC").Find(&rules).Error; err != nil {
		return RuleSet{}, storeErr("load rules", err)
	}
	return NewRuleSet(rules), nil
}

// ReplaceRules swaps the rule collection after validating every rule.
func ReplaceRules(ctx context.Context, db *gorm.DB, rules []Rule) error {
	seen := map[RuleKind]bool{}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Kind] {
			return NewValidationError("kind", "more than one %s rule", r.Kind)
		}
		seen[r.Kind] = true
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Rule{}).Error; err != nil {
			return storeErr("delete rules", err)
		}
		if len(rules) == 0 {
			return nil
		}
		for i := range rules {
			rules[i].ID = 0
		}
		if err := tx.Create(&rules).Error; err != nil {
			return storeErr(fmt.Sprintf("insert %d rules", len(rules)), err)
		}
		return nil
	})
}
