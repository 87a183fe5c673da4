package session

import (
	"fmt"
	"sort"
	"strings"
)

// Provider describes how to launch one coding-agent CLI.
type Provider struct {
	Name       string
	Executable string
	// ConfigDir is the per-project directory the CLI reads instructions from.
	ConfigDir string
}

var providers = map[string]Provider{
	"claude":   {Name: "claude", Executable: "claude", ConfigDir: ".claude"},
	"gemini":   {Name: "gemini", Executable: "gemini", ConfigDir: ".gemini"},
	"codex":    {Name: "codex", Executable: "codex", ConfigDir: ".codex"},
	"opencode": {Name: "opencode", Executable: "opencode", ConfigDir: ".opencode"},
}

// LookupProvider resolves a provider identifier.
func LookupProvider(name string) (Provider, error) {
	p, ok := providers[name]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Providers returns the known provider identifiers in sorted order.
func Providers() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// promptEscaper works in a single pass, so the backslashes it inserts are
// never escaped a second time.
var promptEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"`", "\\`",
	`$`, `\$`,
)

// EscapePrompt makes prompt safe inside a double-quoted shell word.
func EscapePrompt(prompt string) string {
	return promptEscaper.Replace(prompt)
}

// BuildCommand returns the shell command line that starts the provider's
// CLI with the given initial prompt.
func BuildCommand(provider, prompt string) (string, error) {
	p, err := LookupProvider(provider)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`%s -p "%s"`, p.Executable, EscapePrompt(prompt)), nil
}
