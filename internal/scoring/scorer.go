// Package scoring computes the relevance score of deduplicated items.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/config"
	"github.com/ryosukesatoh/daily-digest/internal/domain"
	"github.com/ryosukesatoh/daily-digest/internal/fingerprint"
)

// ErrInvalidWeights is returned when weights are negative or do not sum to 1.
var ErrInvalidWeights = errors.New("scoring: invalid weights")

const weightTolerance = 1e-9

// Weights of the four score components.
type Weights struct {
	Source     float64
	Freshness  float64
	Topic      float64
	Confidence float64
}

// Validate checks that every weight is non-negative and that they sum to 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Source, w.Freshness, w.Topic, w.Confidence} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: negative weight %v", ErrInvalidWeights, v)
		}
	}
	if sum := w.Source + w.Freshness + w.Topic + w.Confidence; math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: sum is %v", ErrInvalidWeights, sum)
	}
	return nil
}

type Options struct {
	Weights            Weights
	HalfLife           time.Duration
	FallbackConfidence float64
	Topics             []string
	// Trust maps a source type to its static trust weight.
	Trust        map[string]float64
	DefaultTrust float64
}

// Scorer is a pure function of an item, its configuration and a passed-in now.
type Scorer struct {
	opts   Options
	topics []string
}

func New(opts Options) (*Scorer, error) {
	if err := opts.Weights.Validate(); err != nil {
		return nil, err
	}
	if opts.HalfLife <= 0 {
		return nil, fmt.Errorf("scoring: half life must be positive, got %s", opts.HalfLife)
	}
	seen := make(map[string]bool)
	var topics []string
	for _, t := range opts.Topics {
		n := fingerprint.Normalize(t)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		topics = append(topics, n)
	}
	return &Scorer{opts: opts, topics: topics}, nil
}

// FromConfig builds a scorer from the scoring section and a source trust table.
func FromConfig(cfg *config.Config, trust map[string]float64) (*Scorer, error) {
	w := cfg.Scoring.Weights
	return New(Options{
		Weights:            Weights{Source: w.Source, Freshness: w.Freshness, Topic: w.Topic, Confidence: w.Confidence},
		HalfLife:           cfg.Scoring.HalfLife,
		FallbackConfidence: cfg.Scoring.FallbackConfidence,
		Topics:             cfg.GetTopics(),
		Trust:              trust,
		DefaultTrust:       cfg.DefaultTrust,
	})
}

// Score returns the item's relevance in [0, 1].
func (s *Scorer) Score(now time.Time, it *domain.Item) float64 {
	w := s.opts.Weights
	score := w.Source*s.trust(it.SourceType) +
		w.Freshness*s.freshness(now, it.PublishedAt) +
		w.Topic*s.topicMatch(it.Title+" "+it.Summary) +
		w.Confidence*s.confidence(it)
	return clamp(score)
}

// ScoreAll scores every item at the run's now and moves it to SCORED.
func (s *Scorer) ScoreAll(rc *domain.RunContext, items []*domain.Item) {
	for _, it := range items {
		it.SetScore(s.Score(rc.Now, it))
		it.Status = domain.StatusScored
	}
}

func (s *Scorer) trust(sourceType string) float64 {
	if v, ok := s.opts.Trust[sourceType]; ok {
		return v
	}
	return s.opts.DefaultTrust
}

func (s *Scorer) freshness(now, published time.Time) float64 {
	age := now.Sub(published).Hours()
	if age < 0 {
		age = 0
	}
	return math.Exp(-age / s.opts.HalfLife.Hours())
}

// topicMatch is the fraction of topics found on word boundaries of text.
func (s *Scorer) topicMatch(text string) float64 {
	if len(s.topics) == 0 {
		return 0
	}
	padded := " " + fingerprint.Normalize(text) + " "
	var hits int
	for _, t := range s.topics {
		if strings.Contains(padded, " "+t+" ") {
			hits++
		}
	}
	return float64(hits) / float64(len(s.topics))
}

func (s *Scorer) confidence(it *domain.Item) float64 {
	if it.SummaryFallback {
		return s.opts.FallbackConfidence
	}
	return 1
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
