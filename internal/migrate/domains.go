package migrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mesh-intelligence/workbook/pkg/types"
)

// Legacy local storage key templates.
const (
	offerOutlineKey       = "offer_outline:%s"
	salesPageDraftKey     = "sales_page_draft:%s:%s"
	customerExperienceKey = "customer_experience:%s"
	workbookStepKey       = "workbook_step:%s:%d"
)

// ErrEmptyRecord is returned by a parser when the legacy record holds no
// content worth uploading.
var ErrEmptyRecord = errors.New("legacy record is empty")

// Domain describes one category of legacy local data and how it reaches the
// backend.
type Domain struct {
	Name string

	// Keys lists every local key that may hold a record for the user.
	Keys func(userID string) []string

	// Parse turns a raw local value into the payload the backend ingests.
	Parse func(userID, key, raw string) (json.RawMessage, error)

	// Batch uploads all records of a run in one call when the uploader
	// supports it.
	Batch bool
}

// DefaultDomains returns the migration domains known to the client.
func DefaultDomains(cfg types.MigrateConfig) []Domain {
	variants := cfg.GetSalesPageVariants()
	steps := cfg.GetWorkbookSteps()

	return []Domain{
		{
			Name: types.DomainOfferOutline,
			Keys: func(userID string) []string {
				return []string{fmt.Sprintf(offerOutlineKey, userID)}
			},
			Parse: parseObject,
		},
		{
			Name: types.DomainSalesPageDraft,
			Keys: func(userID string) []string {
				keys := make([]string, 0, len(variants))
				for _, v := range variants {
					keys = append(keys, fmt.Sprintf(salesPageDraftKey, userID, v))
				}
				return keys
			},
			Parse: parseSalesPageDraft(variantLookup(variants)),
		},
		{
			Name: types.DomainCustomerExperience,
			Keys: func(userID string) []string {
				return []string{fmt.Sprintf(customerExperienceKey, userID)}
			},
			Parse: parseObject,
		},
		{
			Name: types.DomainWorkbookResponses,
			Keys: func(userID string) []string {
				keys := make([]string, 0, steps)
				for step := 1; step <= steps; step++ {
					keys = append(keys, fmt.Sprintf(workbookStepKey, userID, step))
				}
				return keys
			},
			Parse: parseWorkbookStep(steps),
			Batch: true,
		},
	}
}

// parseObject accepts any non-empty JSON object as is.
func parseObject(_, _, raw string) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	if len(obj) == 0 {
		return nil, ErrEmptyRecord
	}
	return json.RawMessage(raw), nil
}

// variantLookup maps a sales page key back to its variant.
func variantLookup(variants []string) func(userID, key string) (string, bool) {
	return func(userID, key string) (string, bool) {
		for _, v := range variants {
			if fmt.Sprintf(salesPageDraftKey, userID, v) == key {
				return v, true
			}
		}
		return "", false
	}
}

func parseSalesPageDraft(variantOf func(userID, key string) (string, bool)) func(string, string, string) (json.RawMessage, error) {
	return func(userID, key, raw string) (json.RawMessage, error) {
		variant, ok := variantOf(userID, key)
		if !ok {
			return nil, fmt.Errorf("unknown sales page key %q", key)
		}
		var sections map[string]any
		if err := json.Unmarshal([]byte(raw), &sections); err != nil {
			return nil, fmt.Errorf("parse sales page draft: %w", err)
		}
		if len(sections) == 0 {
			return nil, ErrEmptyRecord
		}
		return json.Marshal(struct {
			Variant  string         `json:"variant"`
			Sections map[string]any `json:"sections"`
		}{variant, sections})
	}
}

// parseWorkbookStep expects a flat object of field responses. Numbers are
// kept as text, other non-string values are dropped.
func parseWorkbookStep(steps int) func(string, string, string) (json.RawMessage, error) {
	return func(userID, key, raw string) (json.RawMessage, error) {
		step := 0
		for s := 1; s <= steps; s++ {
			if fmt.Sprintf(workbookStepKey, userID, s) == key {
				step = s
				break
			}
		}
		if step == 0 {
			return nil, fmt.Errorf("unknown workbook step key %q", key)
		}

		var fields map[string]any
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, fmt.Errorf("parse workbook step %d: %w", step, err)
		}
		responses := make(map[string]string, len(fields))
		for k, v := range fields {
			switch val := v.(type) {
			case string:
				if val != "" {
					responses[k] = val
				}
			case float64:
				responses[k] = strconv.FormatFloat(val, 'f', -1, 64)
			}
		}
		if len(responses) == 0 {
			return nil, ErrEmptyRecord
		}
		return json.Marshal(struct {
			Step      int               `json:"step"`
			Responses map[string]string `json:"responses"`
		}{step, responses})
	}
}
