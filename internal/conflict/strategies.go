package conflict

import (
	"fmt"
	"sort"
	"time"
)

// losersOf returns the conflict's agents minus the winner, sorted.
func losersOf(c *Conflict, winner string) []string {
	losers := make([]string, 0, len(c.Agents)-1)
	for _, a := range c.Agents {
		if a != winner {
			losers = append(losers, a)
		}
	}
	sort.Strings(losers)
	return losers
}

// PriorityStrategy awards the subject to the agent with the highest
// recorded priority; ties break by earliest request timestamp, then by
// lexical agent id so the outcome is deterministic.
type PriorityStrategy struct{}

func (s *PriorityStrategy) Name() string { return "priority" }

func (s *PriorityStrategy) Resolve(c *Conflict, rctx Context) (*Resolution, error) {
	if len(c.Agents) == 0 {
		return nil, ErrUnresolved
	}

	winner := ""
	for _, a := range c.Agents {
		if winner == "" {
			winner = a
			continue
		}
		pa, pw := rctx.AgentPriorities[a], rctx.AgentPriorities[winner]
		switch {
		case pa > pw:
			winner = a
		case pa == pw:
			ta, tw := rctx.RequestTimestamps[a], rctx.RequestTimestamps[winner]
			if ta.Before(tw) || (ta.Equal(tw) && a < winner) {
				winner = a
			}
		}
	}

	return &Resolution{
		Winner:   winner,
		Losers:   losersOf(c, winner),
		Strategy: s.Name(),
		Reason:   fmt.Sprintf("highest priority %d", rctx.AgentPriorities[winner]),
	}, nil
}

// TimestampStrategy is strict first-come-first-served by request timestamp.
// Agents without a recorded timestamp lose to any agent with one.
type TimestampStrategy struct{}

func (s *TimestampStrategy) Name() string { return "timestamp" }

func (s *TimestampStrategy) Resolve(c *Conflict, rctx Context) (*Resolution, error) {
	if len(c.Agents) == 0 {
		return nil, ErrUnresolved
	}

	winner := ""
	var winnerAt time.Time
	for _, a := range c.Agents {
		at, ok := rctx.RequestTimestamps[a]
		if !ok {
			continue
		}
		if winner == "" || at.Before(winnerAt) || (at.Equal(winnerAt) && a < winner) {
			winner = a
			winnerAt = at
		}
	}
	if winner == "" {
		return nil, ErrUnresolved
	}

	return &Resolution{
		Winner:   winner,
		Losers:   losersOf(c, winner),
		Strategy: s.Name(),
		Reason:   fmt.Sprintf("earliest request at %s", winnerAt.Format(time.RFC3339Nano)),
	}, nil
}

// VotingStrategy tallies each agent's recorded ballot; the agent with the
// most votes wins. A tie is surfaced as ErrUnresolved rather than guessed.
type VotingStrategy struct{}

func (s *VotingStrategy) Name() string { return "voting" }

func (s *VotingStrategy) Resolve(c *Conflict, rctx Context) (*Resolution, error) {
	tally := make(map[string]int)
	for _, ballot := range rctx.Votes {
		for _, candidate := range ballot {
			tally[candidate]++
		}
	}
	if len(tally) == 0 {
		return nil, ErrUnresolved
	}

	candidates := make([]string, 0, len(tally))
	for candidate := range tally {
		candidates = append(candidates, candidate)
	}
	sort.Strings(candidates)

	winner := ""
	best := 0
	tied := false
	for _, candidate := range candidates {
		switch {
		case tally[candidate] > best:
			winner = candidate
			best = tally[candidate]
			tied = false
		case tally[candidate] == best:
			tied = true
		}
	}
	if tied {
		return nil, fmt.Errorf("%w: voting tie at %d votes", ErrUnresolved, best)
	}

	return &Resolution{
		Winner:   winner,
		Losers:   losersOf(c, winner),
		Strategy: s.Name(),
		Reason:   fmt.Sprintf("won with %d votes", best),
	}, nil
}
