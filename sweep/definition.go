package sweep

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Returned for malformed sweep definitions. The offending sweep is skipped for
// the run; other sweeps proceed.
var ErrInvalidDefinition = errors.New("invalid sweep definition")

type MetricKind string

const (
	// events per actor in the lookback window
	MetricCount = MetricKind("count")
	// events divided by denominator events (eg, rejections / orders)
	MetricRate = MetricKind("rate")
	// distinct entities touched per actor in the lookback window
	MetricDistinct = MetricKind("distinct")
)

// Declarative behavioral threshold, admin-managed. Metrics are a closed set of
// tagged kinds rather than executable expressions, so configuration stays
// data and can't escape its sandbox.
//
// Threshold direction depends on the metric kind: count and distinct trigger
// at observed >= threshold, rate triggers at observed > threshold.
type Definition struct {
	Name                 string     `json:"name"`
	Metric               MetricKind `json:"metric"`
	EventType            string     `json:"event_type"`
	DenominatorEventType string     `json:"denominator_event_type,omitempty"`
	Threshold            float64    `json:"threshold"`
	LookbackHours        int        `json:"lookback_hours"`
	MinSampleSize        int        `json:"min_sample_size"`
	// reason code for cases this sweep opens; its severity sets case priority
	SuggestedAction string `json:"suggested_action"`
}

func (d *Definition) Lookback() time.Duration {
	return time.Duration(d.LookbackHours) * time.Hour
}

func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidDefinition)
	}
	switch d.Metric {
	case MetricCount, MetricRate, MetricDistinct:
	default:
		return fmt.Errorf("%w: %s: unknown metric kind %q", ErrInvalidDefinition, d.Name, d.Metric)
	}
	if d.EventType == "" {
		return fmt.Errorf("%w: %s: event type required", ErrInvalidDefinition, d.Name)
	}
	if d.Metric == MetricRate {
		if d.DenominatorEventType == "" {
			return fmt.Errorf("%w: %s: rate metric requires a denominator event type", ErrInvalidDefinition, d.Name)
		}
		if d.Threshold <= 0 || d.Threshold >= 1 {
			return fmt.Errorf("%w: %s: rate threshold must be in (0, 1)", ErrInvalidDefinition, d.Name)
		}
	} else if d.Threshold <= 0 {
		return fmt.Errorf("%w: %s: threshold must be positive", ErrInvalidDefinition, d.Name)
	}
	if d.LookbackHours <= 0 {
		return fmt.Errorf("%w: %s: lookback window required", ErrInvalidDefinition, d.Name)
	}
	if d.MinSampleSize < 1 {
		return fmt.Errorf("%w: %s: min sample size must be at least 1", ErrInvalidDefinition, d.Name)
	}
	if d.SuggestedAction == "" {
		return fmt.Errorf("%w: %s: suggested action required", ErrInvalidDefinition, d.Name)
	}
	return nil
}

// Reads sweep definitions from a JSON file (a top-level array). Definitions
// are validated individually when added to the engine, not here.
func LoadDefinitionsJSON(path string) ([]Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var defs []Definition
	if err := json.Unmarshal(b, &defs); err != nil {
		return nil, fmt.Errorf("parsing sweep definitions: %w", err)
	}
	return defs, nil
}
