package providers

import "strings"

func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	switch NormalizeProviderName(providerName) {
	case ProviderOpenRouter:
		if strings.Contains(lower, "no endpoints found that support tool use") {
			return msg + " Hint: routing and planning need a tool-calling model; pick one that supports tools for agent.query_model."
		}
	case ProviderOpenAI:
		if strings.Contains(lower, "incorrect api key provided") {
			return msg + " Hint: provider openai expects a Platform API key in providers.openai.api_key."
		}
		if strings.Contains(lower, "tool_choice") && strings.Contains(lower, "required") {
			return msg + " Hint: this model cannot be forced to call a tool; use a newer model for agent.query_model."
		}
	}

	return msg
}
