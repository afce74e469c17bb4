package notify

import (
	"fmt"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

func section(text string) goslack.Block {
	return goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false), nil, nil)
}

func truncate(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}

// buildEpisodeMessage announces an episode's publication.
func buildEpisodeMessage(projectName, episodeID string) []goslack.Block {
	text := fmt.Sprintf(":clapper: *Episode published* — `%s` / `%s`", projectName, episodeID)
	return []goslack.Block{section(text)}
}

// buildTrainingCompleteMessage announces a character's LoRA training completing.
func buildTrainingCompleteMessage(characterSlug string) []goslack.Block {
	text := fmt.Sprintf(":mortar_board: *LoRA training complete* for `%s`", characterSlug)
	return []goslack.Block{section(text)}
}

// buildCharacterReadyMessage announces a character reaching its terminal
// "ready" phase.
func buildCharacterReadyMessage(characterSlug string) []goslack.Block {
	text := fmt.Sprintf(":white_check_mark: `%s` is ready — training data approved and LoRA trained", characterSlug)
	return []goslack.Block{section(text)}
}

// buildPipelineFailureMessage reports a worker failure that requires a
// manual override, per spec §4.7.8.
func buildPipelineFailureMessage(entityType, entityID, phase, reason string) []goslack.Block {
	text := fmt.Sprintf(":x: *Pipeline worker failed*\nentity: `%s:%s` phase: `%s`\n%s", entityType, entityID, phase, truncate(reason))
	return []goslack.Block{section(text)}
}

// buildCorrectionDepthLimitMessage reports auto-correction giving up on a
// character after exhausting its retry budget.
func buildCorrectionDepthLimitMessage(characterSlug string, depth int) []goslack.Block {
	text := fmt.Sprintf(":warning: Auto-correction depth limit (%d) reached for `%s` — needs manual attention", depth, characterSlug)
	return []goslack.Block{section(text)}
}
