package rangealloc

// Strategy chooses how SearchFree picks among the free nodes that can hold a request
type Strategy uint32

const (
	// StrategyFirstFit returns the first free node, in free stack order, that can hold the
	// request. This is the fastest search and the default.
	StrategyFirstFit Strategy = iota
	// StrategyBestFit scans every free node and returns the smallest one that can hold the
	// request. Ties go to the node met first.
	StrategyBestFit
	// StrategyLegacyBestFit is the older best-fit search, which compared each candidate against
	// the requested size instead of the best size found so far. It returns the last fitting
	// node in free stack order unless it meets a node whose size exactly equals the request.
	// Callers that depend on the old placement can keep it with this strategy.
	StrategyLegacyBestFit
)

var strategyMapping = map[Strategy]string{
	StrategyFirstFit:      "StrategyFirstFit",
	StrategyBestFit:       "StrategyBestFit",
	StrategyLegacyBestFit: "StrategyLegacyBestFit",
}

func (s Strategy) String() string {
	return strategyMapping[s]
}

// ParseStrategy maps a configuration name to a Strategy. Both the full constant names and
// the short forms "first-fit", "best-fit" and "legacy-best-fit" are accepted.
func ParseStrategy(name string) (Strategy, bool) {
	switch name {
	case "", "first-fit":
		return StrategyFirstFit, true
	case "best-fit":
		return StrategyBestFit, true
	case "legacy-best-fit":
		return StrategyLegacyBestFit, true
	}

	for strategy, strategyName := range strategyMapping {
		if strategyName == name {
			return strategy, true
		}
	}

	return StrategyFirstFit, false
}
