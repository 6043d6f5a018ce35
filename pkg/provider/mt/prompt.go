package mt

import (
	"fmt"
	"strings"

	"github.com/voxlate/voxlate/internal/lang"
)

// SystemPrompt builds the translator instruction shared by the LLM-backed
// providers. Keeping it in one place means every backend translates with the
// same contract: output the translation and nothing else.
func SystemPrompt(sourceLang, targetLang string) string {
	return fmt.Sprintf(
		"You are a professional translator. Translate the user's message from %s to %s. "+
			"Preserve the tone and register of the original. "+
			"Output only the translated text with no quotes, notes, or explanations.",
		lang.Name(sourceLang), lang.Name(targetLang),
	)
}

// CleanOutput strips the wrapping quotes and whitespace that chat models
// occasionally add around a translation.
func CleanOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
