// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package scoring implements the scoring service: it turns the per
// testcase outcomes the workers produced into submission scores, writes
// them back to the store and replicates scores and token plays to the
// external ranking servers.
//
// Score types form a closed set resolved by the name stored on the
// dataset, exactly like task types. A scorer is built once per dataset
// from the dataset's score type parameters and testcase visibility.
package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/hashicorp/gavel/structs"
)

// Registry names.
const (
	ScoreTypeSum      = "Sum"
	ScoreTypeGroupMin = "GroupMin"
	ScoreTypeGroupMul = "GroupMul"
)

// ScoreInfo is a scorer's verdict on one submission: the total score, the
// part earned on public testcases, the human readable detail strings for
// each, and the per subtask strings rankings show as extra columns.
type ScoreInfo struct {
	Score          float64
	PublicScore    float64
	Details        []string
	PublicDetails  []string
	RankingDetails []string
}

// Scorer turns per testcase outcomes into a score. Implementations hold
// only parsed dataset parameters; the service serializes calls, so future
// score types may keep state across submissions.
type Scorer interface {
	// AddSubmission scores one submission. outcomes maps testcase codename
	// to the numeric outcome the worker produced; an empty map means the
	// submission never reached evaluation (its compilation failed) and
	// scores zero everywhere.
	AddSubmission(submissionID int64, timestamp time.Time, username string,
		outcomes map[string]float64, tokened bool) (*ScoreInfo, error)

	// MaxScore returns the best attainable score, the part attainable on
	// public testcases, and the per subtask column headers for rankings.
	MaxScore() (score, publicScore float64, headers []string)
}

// NewScorer builds the scorer a dataset names from its parameters. The
// dataset's testcases are consumed in their stored codename order.
func NewScorer(ds *structs.Dataset) (Scorer, error) {
	order := make([]string, 0, len(ds.Testcases))
	public := make(map[string]bool, len(ds.Testcases))
	for _, tc := range ds.Testcases {
		order = append(order, tc.Codename)
		public[tc.Codename] = tc.Public
	}

	switch ds.ScoreType {
	case ScoreTypeSum:
		return newSum(ds.ScoreTypeParameters, order, public)
	case ScoreTypeGroupMin:
		return newGroup(ds.ScoreTypeParameters, order, public, false)
	case ScoreTypeGroupMul:
		return newGroup(ds.ScoreTypeParameters, order, public, true)
	default:
		return nil, fmt.Errorf("unknown score type %q on dataset %d", ds.ScoreType, ds.ID)
	}
}

// round2 rounds to two decimals, the precision scores are stored with.
func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// sumScorer gives each testcase a fixed worth and adds up the earned
// fractions. The parameter is a single number: the worth of one testcase.
type sumScorer struct {
	worth  float64
	order  []string
	public map[string]bool
}

func newSum(params json.RawMessage, order []string, public map[string]bool) (*sumScorer, error) {
	var worth float64
	if err := json.Unmarshal(params, &worth); err != nil {
		return nil, fmt.Errorf("Sum parameters: %w", err)
	}
	return &sumScorer{worth: worth, order: order, public: public}, nil
}

func (s *sumScorer) MaxScore() (float64, float64, []string) {
	var max, pub float64
	for _, cn := range s.order {
		max += s.worth
		if s.public[cn] {
			pub += s.worth
		}
	}
	return round2(max), round2(pub), nil
}

func (s *sumScorer) AddSubmission(_ int64, _ time.Time, _ string,
	outcomes map[string]float64, _ bool) (*ScoreInfo, error) {
	info := &ScoreInfo{
		Details:        []string{},
		PublicDetails:  []string{},
		RankingDetails: []string{},
	}
	if len(outcomes) == 0 {
		return info, nil
	}

	var score, pub float64
	for _, cn := range s.order {
		out, ok := outcomes[cn]
		if !ok {
			return nil, fmt.Errorf("no outcome for testcase %q", cn)
		}
		part := out * s.worth
		score += part
		detail := fmt.Sprintf("Testcase %s: %g", cn, round2(part))
		info.Details = append(info.Details, detail)
		if s.public[cn] {
			pub += part
			info.PublicDetails = append(info.PublicDetails, detail)
		}
	}
	info.Score = round2(score)
	info.PublicScore = round2(pub)
	return info, nil
}

// groupScorer splits the testcases into subtasks. Each subtask is worth a
// fixed maximum, scaled by the minimum (GroupMin) or the product
// (GroupMul) of its outcomes. Parameters are [max, testcases] pairs where
// testcases is either a count consuming codenames in order, or a regular
// expression matched against codename prefixes; one dataset must stick to
// one addressing style.
type groupScorer struct {
	mul    bool
	groups []group
	public map[string]bool
}

// group is one subtask: its worth and the codenames it owns.
type group struct {
	max       float64
	codenames []string
}

func newGroup(params json.RawMessage, order []string, public map[string]bool, mul bool) (*groupScorer, error) {
	var raw [][]json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil {
		return nil, fmt.Errorf("group parameters: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("group parameters are empty")
	}

	g := &groupScorer{mul: mul, public: public}
	next := 0 // first codename not yet claimed by a counted group
	var usesCounts, usesPatterns bool
	for i, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("group %d: want a [max, testcases] pair, got %d elements", i+1, len(pair))
		}
		var max float64
		if err := json.Unmarshal(pair[0], &max); err != nil {
			return nil, fmt.Errorf("group %d: bad maximum: %w", i+1, err)
		}
		grp := group{max: max}

		var count int
		if err := json.Unmarshal(pair[1], &count); err == nil {
			usesCounts = true
			if count <= 0 {
				return nil, fmt.Errorf("group %d: testcase count must be positive", i+1)
			}
			if next+count > len(order) {
				return nil, fmt.Errorf("group %d: wants %d testcases, only %d left", i+1, count, len(order)-next)
			}
			grp.codenames = order[next : next+count]
			next += count
		} else {
			var pattern string
			if err := json.Unmarshal(pair[1], &pattern); err != nil {
				return nil, fmt.Errorf("group %d: testcases must be a count or a pattern", i+1)
			}
			usesPatterns = true
			re, err := regexp.Compile("^(?:" + pattern + ")")
			if err != nil {
				return nil, fmt.Errorf("group %d: bad pattern %q: %w", i+1, pattern, err)
			}
			for _, cn := range order {
				if re.MatchString(cn) {
					grp.codenames = append(grp.codenames, cn)
				}
			}
			if len(grp.codenames) == 0 {
				return nil, fmt.Errorf("group %d: no testcase matches %q", i+1, pattern)
			}
		}
		if usesCounts && usesPatterns {
			return nil, errors.New("group parameters mix counts and patterns")
		}
		g.groups = append(g.groups, grp)
	}
	return g, nil
}

// allPublic reports whether every testcase of the group is public, which
// is what makes the whole subtask count toward the public score.
func (g *groupScorer) allPublic(grp group) bool {
	for _, cn := range grp.codenames {
		if !g.public[cn] {
			return false
		}
	}
	return true
}

func (g *groupScorer) MaxScore() (float64, float64, []string) {
	var max, pub float64
	headers := make([]string, 0, len(g.groups))
	for i, grp := range g.groups {
		max += grp.max
		if g.allPublic(grp) {
			pub += grp.max
		}
		headers = append(headers, fmt.Sprintf("Subtask %d (%g)", i+1, grp.max))
	}
	return round2(max), round2(pub), headers
}

func (g *groupScorer) AddSubmission(_ int64, _ time.Time, _ string,
	outcomes map[string]float64, _ bool) (*ScoreInfo, error) {
	info := &ScoreInfo{
		Details:        []string{},
		PublicDetails:  []string{},
		RankingDetails: []string{},
	}
	if len(outcomes) == 0 {
		for range g.groups {
			info.RankingDetails = append(info.RankingDetails, "0")
		}
		return info, nil
	}

	var score, pub float64
	for i, grp := range g.groups {
		factor, err := g.reduce(grp, outcomes)
		if err != nil {
			return nil, fmt.Errorf("group %d: %w", i+1, err)
		}
		part := grp.max * factor
		score += part
		detail := fmt.Sprintf("Subtask %d: %g", i+1, round2(part))
		info.Details = append(info.Details, detail)
		info.RankingDetails = append(info.RankingDetails, fmt.Sprintf("%g", round2(part)))
		if g.allPublic(grp) {
			pub += part
			info.PublicDetails = append(info.PublicDetails, detail)
		}
	}
	info.Score = round2(score)
	info.PublicScore = round2(pub)
	return info, nil
}

// reduce folds the group's outcomes into the scaling factor.
func (g *groupScorer) reduce(grp group, outcomes map[string]float64) (float64, error) {
	factor := 1.0
	for i, cn := range grp.codenames {
		out, ok := outcomes[cn]
		if !ok {
			return 0, fmt.Errorf("no outcome for testcase %q", cn)
		}
		switch {
		case g.mul:
			factor *= out
		case i == 0 || out < factor:
			factor = out
		}
	}
	return factor, nil
}
