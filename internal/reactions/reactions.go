// Package reactions holds the mapping from reaction symbols to secondary
// actions. The map is loaded once at startup from a Viper-managed document
// (with a built-in default written on first run) and is immutable afterwards;
// administrative tooling may rewrite the file for the next startup.
package reactions

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/viper"
)

// Action names understood by the dispatcher. Summarize and translate are
// implemented; the rest are routed to the "not yet available" notice.
const (
	ActionSummarize      = "summarize"
	ActionTranslate      = "translate"
	ActionMeetingNotes   = "meeting_notes"
	ActionExtractActions = "extract_actions"
	ActionCreateThread   = "create_thread"
	ActionSentiment      = "analyze_sentiment"
)

// Action is one entry of the reaction map.
type Action struct {
	Name        string `mapstructure:"name"        json:"name"`
	Description string `mapstructure:"description" json:"description"`
	Enabled     bool   `mapstructure:"enabled"     json:"enabled"`
}

// Config is the immutable symbol → action map.
type Config struct {
	actions map[string]Action
}

// markerOrder fixes the order in which enabled markers are attached to a
// published result, so results always look the same.
var markerOrder = []string{"📝", "🌐", "📋", "🔍", "💬", "📊"}

// defaults returns the built-in reaction map, matching the document written
// on first run.
func defaults() map[string]Action {
	return map[string]Action{
		"📝": {Name: ActionSummarize, Description: "Summarize the transcript", Enabled: true},
		"🌐": {Name: ActionTranslate, Description: "Translate to English", Enabled: true},
		"📋": {Name: ActionMeetingNotes, Description: "Format as meeting notes", Enabled: false},
		"🔍": {Name: ActionExtractActions, Description: "Extract action items", Enabled: false},
		"💬": {Name: ActionCreateThread, Description: "Open a discussion thread", Enabled: false},
		"📊": {Name: ActionSentiment, Description: "Analyze sentiment", Enabled: false},
	}
}

// Load reads the reaction map at path, creating it with the built-in defaults
// when it does not exist yet.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	for symbol, a := range defaults() {
		v.SetDefault(symbol, map[string]any{
			"name":        a.Name,
			"description": a.Description,
			"enabled":     a.Enabled,
		})
	}

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, err
			}
		}
		if dir := filepath.Dir(path); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, mkErr
			}
		}
		if wErr := v.WriteConfigAs(path); wErr != nil {
			return nil, wErr
		}
	}

	var actions map[string]Action
	if err := v.Unmarshal(&actions); err != nil {
		return nil, err
	}
	return &Config{actions: actions}, nil
}

// Static builds a Config directly from a symbol → action map. Used by tests
// and by deployments that embed the map instead of shipping a file.
func Static(actions map[string]Action) *Config {
	cp := make(map[string]Action, len(actions))
	for k, a := range actions {
		cp[k] = a
	}
	return &Config{actions: cp}
}

// Default returns a Config holding the built-in map.
func Default() *Config { return &Config{actions: defaults()} }

// Lookup returns the action bound to a reaction symbol, if any. Disabled
// entries are returned with Enabled=false; callers decide whether to act.
func (c *Config) Lookup(symbol string) (Action, bool) {
	a, ok := c.actions[symbol]
	return a, ok
}

// EnabledSymbols returns the reaction symbols whose actions are enabled, in
// the fixed marker order (unknown symbols sort after the known ones).
func (c *Config) EnabledSymbols() []string {
	rank := make(map[string]int, len(markerOrder))
	for i, s := range markerOrder {
		rank[s] = i
	}

	out := make([]string, 0, len(c.actions))
	for s, a := range c.actions {
		if a.Enabled {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, iKnown := rank[out[i]]
		rj, jKnown := rank[out[j]]
		switch {
		case iKnown && jKnown:
			return ri < rj
		case iKnown:
			return true
		case jKnown:
			return false
		default:
			return out[i] < out[j]
		}
	})
	return out
}
