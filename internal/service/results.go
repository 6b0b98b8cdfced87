package service

import (
	"math"
	"sort"
	"strconv"

	"github.com/xmartos/scrumpoker/internal/domain"
)

// VoteCount is one row of the revealed-vote histogram.
type VoteCount struct {
	Vote       string `json:"vote"`
	Count      int    `json:"count"`
	Percentage int    `json:"percentage"`
}

// Results are the aggregates derived from a revealed round.
type Results struct {
	Average     float64     `json:"average"`
	TotalVotes  int         `json:"totalVotes"`
	ValidVoters int         `json:"validVoters"`
	Summary     []VoteCount `json:"voteSummary"`
}

// CalculateResults derives the round aggregates from the current player set.
// While votes are hidden the results are zeroed, never computed, so nothing
// upstream can leak them early. The numeric average covers only votes
// strictly greater than zero: an explicit 0 counts as participation, not as
// an estimate. Coffee and joint votes count toward totalVotes only.
func CalculateResults(players []domain.Player, showVotes bool) Results {
	if !showVotes {
		return Results{Summary: []VoteCount{}}
	}

	var sum float64
	validVoters := 0
	totalVotes := 0
	for _, p := range players {
		vote := p.Vote()
		if !vote.IsCast() {
			continue
		}
		totalVotes++
		if vote.Kind == domain.VoteNumeric && vote.Value > 0 {
			sum += vote.Value
			validVoters++
		}
	}

	average := 0.0
	if validVoters > 0 {
		average = math.Round(sum/float64(validVoters)*100) / 100
	}

	return Results{
		Average:     average,
		TotalVotes:  totalVotes,
		ValidVoters: validVoters,
		Summary:     summarize(players, totalVotes),
	}
}

// summarize builds the display-value histogram: numeric entries ascending,
// then symbolic entries in lexicographic order.
func summarize(players []domain.Player, totalVotes int) []VoteCount {
	counts := map[string]int{}
	for _, p := range players {
		vote := p.Vote()
		if !vote.IsCast() {
			continue
		}
		counts[vote.Display()]++
	}

	summary := make([]VoteCount, 0, len(counts))
	for display, count := range counts {
		percentage := 0
		if totalVotes > 0 {
			percentage = int(math.Round(float64(count) / float64(totalVotes) * 100))
		}
		summary = append(summary, VoteCount{
			Vote:       display,
			Count:      count,
			Percentage: percentage,
		})
	}

	sort.Slice(summary, func(i, j int) bool {
		a, aErr := strconv.ParseFloat(summary[i].Vote, 64)
		b, bErr := strconv.ParseFloat(summary[j].Vote, 64)
		aNum, bNum := aErr == nil, bErr == nil
		switch {
		case aNum && bNum:
			return a < b
		case aNum:
			return true
		case bNum:
			return false
		default:
			return summary[i].Vote < summary[j].Vote
		}
	})

	return summary
}
