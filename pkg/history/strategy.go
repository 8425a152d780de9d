package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/NeverVane/omniscient/internal/storage"
)

// MergeStrategy decides what happens when an imported record already
// exists in the store
type MergeStrategy int

const (
	// StrategyPreserveHigher keeps the larger usage count
	StrategyPreserveHigher MergeStrategy = iota
	// StrategySkip leaves existing records untouched
	StrategySkip
	// StrategyUpdateUsage adds the incoming usage count to the existing one
	StrategyUpdateUsage
)

// DefaultStrategy is used when none is given
const DefaultStrategy = StrategyPreserveHigher

func (s MergeStrategy) String() string {
	switch s {
	case StrategyPreserveHigher:
		return "preserve-higher"
	case StrategySkip:
		return "skip"
	case StrategyUpdateUsage:
		return "update-usage"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy accepts the names printed by String, with - or _
func ParseStrategy(name string) (MergeStrategy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-") {
	case "", "preserve-higher":
		return StrategyPreserveHigher, nil
	case "skip":
		return StrategySkip, nil
	case "update-usage":
		return StrategyUpdateUsage, nil
	default:
		return 0, fmt.Errorf("unknown merge strategy %q (expected skip, update-usage or preserve-higher)", name)
	}
}

// Strategies lists every strategy in display order
func Strategies() []MergeStrategy {
	return []MergeStrategy{StrategySkip, StrategyUpdateUsage, StrategyPreserveHigher}
}

type mergeOutcome int

const (
	outcomeSkipped mergeOutcome = iota
	outcomeUpdated
)

// mergeHandler reconciles incoming with its existing duplicate
type mergeHandler func(ctx context.Context, store Store, existing, incoming *storage.CommandRecord) (mergeOutcome, error)

var mergeHandlers = map[MergeStrategy]mergeHandler{
	StrategySkip:           mergeSkip,
	StrategyUpdateUsage:    mergeUpdateUsage,
	StrategyPreserveHigher: mergePreserveHigher,
}

func mergeSkip(context.Context, Store, *storage.CommandRecord, *storage.CommandRecord) (mergeOutcome, error) {
	return outcomeSkipped, nil
}

func mergeUpdateUsage(ctx context.Context, store Store, existing, incoming *storage.CommandRecord) (mergeOutcome, error) {
	lastUsed := existing.LastUsed
	if incoming.LastUsed.After(lastUsed) {
		lastUsed = incoming.LastUsed
	}
	if err := store.SetUsage(ctx, existing.ID, existing.UsageCount+incoming.UsageCount, lastUsed); err != nil {
		return outcomeSkipped, err
	}
	return outcomeUpdated, nil
}

func mergePreserveHigher(ctx context.Context, store Store, existing, incoming *storage.CommandRecord) (mergeOutcome, error) {
	if incoming.UsageCount <= existing.UsageCount {
		return outcomeSkipped, nil
	}
	if err := store.SetUsage(ctx, existing.ID, incoming.UsageCount, incoming.LastUsed); err != nil {
		return outcomeSkipped, err
	}
	return outcomeUpdated, nil
}
