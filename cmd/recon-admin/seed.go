package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mmdatafocus/recon_backend/models"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Seed is the YAML document loaded by the seed command.
type Seed struct {
	Rules      []models.Rule   `yaml:"rules"`
	References []SeedReference `yaml:"references"`
}

type SeedReference struct {
	TransactionId   string          `yaml:"transactionId"`
	Amount          decimal.Decimal `yaml:"amount"`
	ReferenceNumber string          `yaml:"referenceNumber"`
	Date            time.Time       `yaml:"date"`
}

func LoadSeed(r io.Reader) (*Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return nil, err
	}
	for i, rule := range seed.Rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	for i, ref := range seed.References {
		if strings.TrimSpace(ref.TransactionId) == "" {
			return nil, fmt.Errorf("references[%d]: %w", i, models.NewValidationError("transactionId", "is required"))
		}
	}
	return &seed, nil
}

func (s Seed) Records() []models.Record {
	records := make([]models.Record, 0, len(s.References))
	for _, ref := range s.References {
		date := ref.Date
		if date.IsZero() {
			date = time.Now().UTC()
		}
		records = append(records, models.Record{
			TransactionId:   strings.TrimSpace(ref.TransactionId),
			Amount:          ref.Amount,
			ReferenceNumber: strings.TrimSpace(ref.ReferenceNumber),
			Date:            date,
			IsReference:     true,
		})
	}
	return records
}

// Apply replaces the rules and reference records. Sections missing from the file are left alone.
func (s Seed) Apply(ctx context.Context, db *gorm.DB) error {
	if len(s.Rules) > 0 {
		if err := models.ReplaceRules(ctx, db, s.Rules); err != nil {
			return err
		}
	}
	if len(s.References) > 0 {
		if err := models.ReplaceReferenceRecords(ctx, db, s.Records()); err != nil {
			return err
		}
	}
	return nil
}
