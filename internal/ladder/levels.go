package ladder

import "time"

// DefaultMaxLevels is the ladder height when Init is not told otherwise.
const DefaultMaxLevels = 5

// defaultComplexities spaces the five default levels across the 1..10 scale.
var defaultComplexities = []int{1, 3, 5, 7, 9}

var defaultTitles = []string{
	"Introduction",
	"Foundations",
	"Core Mechanics",
	"Advanced Treatment",
	"Expert Depth",
}

// Level is one rung of a concept's depth ladder. Index 0 is the simplest;
// every level above 0 has the level below it as prerequisite.
type Level struct {
	Index        int    `json:"index"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Complexity   int    `json:"complexity"` // 1..10
	Prerequisite int    `json:"prerequisite"`
}

// defaultLevels builds the standard ladder of the given height.
func defaultLevels(maxLevels int) []Level {
	levels := make([]Level, maxLevels)
	for i := range levels {
		complexity := 2*i + 1
		if i < len(defaultComplexities) {
			complexity = defaultComplexities[i]
		}
		if complexity > 10 {
			complexity = 10
		}
		title := "Further Depth"
		if i < len(defaultTitles) {
			title = defaultTitles[i]
		}
		levels[i] = Level{
			Index:        i,
			Title:        title,
			Description:  title + " of the concept",
			Complexity:   complexity,
			Prerequisite: i - 1,
		}
	}
	return levels
}

// baseDuration is the expected engagement time for one artifact of the
// modality at level 0. The progression predicate scales it with depth.
func baseDuration(modality string) time.Duration {
	switch modality {
	case "animation":
		return 180 * time.Second
	case "simulation":
		return 240 * time.Second
	case "concept-map":
		return 120 * time.Second
	case "text":
		return 150 * time.Second
	}
	return 150 * time.Second
}
