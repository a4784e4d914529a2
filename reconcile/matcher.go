// Package reconcile decides the verdict of one uploaded record against the
// reference set under a fixed snapshot of matching rules.
package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mmdatafocus/recon_backend/models"
	"github.com/shopspring/decimal"
)

var ErrMalformedRule = errors.New("malformed rule")

// Outcome is an alias so callers can persist it without conversion.
type Outcome = models.ResultOutcome

var hundred = decimal.NewFromInt(100)

// index groups record ids by the canonical key of a field tuple. Ids are ascending.
type index map[string][]int

// Snapshot is everything one run reads: the rules, the reference records and the
// records of every batch it will reconcile. It is built once and never mutated.
type Snapshot struct {
	Rules models.RuleSet

	references map[int]models.Record

	exactIdx   index
	partialIdx index
	// batch id -> tuple key -> count
	duplicates map[int]map[string]int

	// set when a rule is malformed; returned for every record
	ruleErr error
}

// NewSnapshot validates the rules and builds lookup indexes over the reference
// records and the batch records. A malformed rule does not fail construction;
// Reconcile reports it per record.
func NewSnapshot(rules models.RuleSet, references []models.Record, batchRecords []models.Record) *Snapshot {
	s := &Snapshot{
		Rules:      rules,
		references: make(map[int]models.Record, len(references)),
		duplicates: map[int]map[string]int{},
	}
	for _, r := range []*models.Rule{rules.Exact, rules.Partial, rules.Duplicate} {
		if r == nil {
			continue
		}
		if err := r.Validate(); err != nil {
			s.ruleErr = fmt.Errorf("%s rule %d: %w: %w", r.Kind, r.ID, ErrMalformedRule, err)
			return s
		}
	}

	refs := append([]models.Record(nil), references...)
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	for _, ref := range refs {
		s.references[ref.ID] = ref
	}
	if rules.Exact != nil {
		s.exactIdx = buildIndex(refs, rules.Exact.Fields)
	}
	if rules.Partial != nil {
		s.partialIdx = buildIndex(refs, partialFields(rules.Partial.Fields))
	}
	if rules.Duplicate != nil {
		for _, r := range batchRecords {
			if r.BatchId == nil {
				continue
			}
			key, _ := tupleKey(r, rules.Duplicate.Fields)
			byKey := s.duplicates[*r.BatchId]
			if byKey == nil {
				byKey = map[string]int{}
				s.duplicates[*r.BatchId] = byKey
			}
			byKey[key]++
		}
	}
	return s
}

// Err reports the malformed rule that stops every record from matching, if any.
func (s *Snapshot) Err() error {
	return s.ruleErr
}

func buildIndex(records []models.Record, fields []string) index {
	idx := index{}
	for _, r := range records {
		key, _ := tupleKey(r, fields)
		idx[key] = append(idx[key], r.ID)
	}
	return idx
}

// partialFields drops amount; the Partial rule compares amounts by variance instead.
func partialFields(fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != models.FieldAmount {
			out = append(out, f)
		}
	}
	return out
}

// tupleKey joins the canonical field keys with a unit separator.
func tupleKey(r models.Record, fields []string) (string, error) {
	parts := make([]string, len(fields))
	for i, f := range fields {
		k, ok := r.FieldKey(f)
		if !ok {
			return "", fmt.Errorf("unknown field %q: %w", f, ErrMalformedRule)
		}
		parts[i] = k
	}
	return strings.Join(parts, "\x1f"), nil
}

// Reconcile applies Exact, then Partial, then Duplicate. Duplicate overrides any
// earlier verdict but keeps its reference and mismatches.
func Reconcile(record models.Record, snap *Snapshot) (Outcome, error) {
	if snap == nil {
		return Outcome{}, errors.New("reconcile: nil snapshot")
	}
	if snap.ruleErr != nil {
		return Outcome{}, snap.ruleErr
	}
	out := Outcome{Verdict: models.VerdictNotMatched, Mismatches: []models.Mismatch{}}

	if rule := snap.Rules.Exact; rule != nil {
		key, err := tupleKey(record, rule.Fields)
		if err != nil {
			return Outcome{}, err
		}
		if ids := snap.exactIdx[key]; len(ids) > 0 {
			id := ids[0]
			out.Verdict = models.VerdictMatched
			out.ReferenceRecordId = &id
		}
	}

	if rule := snap.Rules.Partial; rule != nil && out.Verdict != models.VerdictMatched {
		key, err := tupleKey(record, partialFields(rule.Fields))
		if err != nil {
			return Outcome{}, err
		}
		for _, id := range snap.partialIdx[key] {
			ref := snap.references[id]
			variance, ok := Variance(ref.Amount, record.Amount)
			if !ok || variance.GreaterThan(rule.Tolerance) {
				continue
			}
			refId := id
			out.Verdict = models.VerdictPartiallyMatched
			out.ReferenceRecordId = &refId
			out.Mismatches = []models.Mismatch{{
				Field:          models.FieldAmount,
				UploadedValue:  record.Amount,
				ReferenceValue: ref.Amount,
				Variance:       FormatVariance(variance),
			}}
			break
		}
	}

	if rule := snap.Rules.Duplicate; rule != nil && record.BatchId != nil {
		key, err := tupleKey(record, rule.Fields)
		if err != nil {
			return Outcome{}, err
		}
		if snap.duplicates[*record.BatchId][key] > 1 {
			out.Verdict = models.VerdictDuplicate
		}
	}
	return out, nil
}

// Variance is |reference - uploaded| / |reference|. ok is false when the reference amount is zero.
func Variance(reference, uploaded decimal.Decimal) (decimal.Decimal, bool) {
	if reference.IsZero() {
		return decimal.Zero, false
	}
	return reference.Sub(uploaded).Abs().Div(reference.Abs()), true
}

// FormatVariance renders a ratio as a percentage with two decimals, e.g. 0.03 -> "3.00%".
func FormatVariance(v decimal.Decimal) string {
	return v.Mul(hundred).StringFixed(2) + "%"
}
