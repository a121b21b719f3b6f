package history

// Limits holds the transmission compaction budgets. Sizes are in bytes.
type Limits struct {
	// SectionKeep maps a section name to the number of most recent user
	// turns that keep it. Sections absent from the map are never stripped.
	SectionKeep map[string]int

	SectionCeiling          int
	MessageCeiling          int
	RecentToolResults       int
	RecentToolResultCeiling int
	OldToolResultCeiling    int
	OldDetailsCeiling       int
	SummaryCeiling          int
}

// DefaultLimits returns the standard transmission budgets.
func DefaultLimits() Limits {
	return Limits{
		SectionKeep: map[string]int{
			SectionMinimap:          1,
			SectionMemory:           1,
			SectionMarkers:          1,
			SectionObjectives:       1,
			SectionDetailedStats:    2,
			SectionLiveChat:         3,
			SectionCritiqueReminder: 1,
			SectionNavigationPlan:   1,
		},
		SectionCeiling:          12_000,
		MessageCeiling:          80_000,
		RecentToolResults:       6,
		RecentToolResultCeiling: 8_000,
		OldToolResultCeiling:    1_500,
		OldDetailsCeiling:       200,
		SummaryCeiling:          40_000,
	}
}

// StorageLimits holds the budgets applied before turns reach the durable log.
type StorageLimits struct {
	TextCeiling      int
	AssistantCeiling int
	ToolCeiling      int
	ImageKeep        int
}

// DefaultStorageLimits returns the standard storage budgets.
func DefaultStorageLimits() StorageLimits {
	return StorageLimits{
		TextCeiling:      60_000,
		AssistantCeiling: 20_000,
		ToolCeiling:      16_000,
		ImageKeep:        2,
	}
}
