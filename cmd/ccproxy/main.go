// ccproxy is a local reverse proxy for LLM chat APIs.
//
// It accepts OpenAI Chat Completions, OpenAI Responses, and Anthropic
// Messages requests, translates them between wire formats, attaches
// subscription OAuth credentials, and forwards them to the Claude REST API,
// the OpenAI Codex backend, or GitHub Copilot, with SSE streaming converted
// on the fly.
//
// Usage:
//
//	# Start the proxy with default configuration
//	ccproxy run
//
//	# Start with a custom configuration file
//	ccproxy run --config ~/.config/ccproxy/config.yaml
//
//	# Authenticate a provider
//	ccproxy auth login claude
//	ccproxy auth login copilot
//
//	# Inspect stored credentials
//	ccproxy auth status
//
//	# Show version information
//	ccproxy version
package main

func main() {
	Execute()
}
