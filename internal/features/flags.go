package features

import "sync"

// Category names accepted by ActionFlags. They match the action "type" tag
// sent by clients, except "shell", which gates system/exec separately.
const (
	Spotify = "spotify"
	System  = "system"
	Shell   = "shell"
	Media   = "media"
	Hotkey  = "hotkey"
	Macro   = "macro"
)

// ActionFlags manages which action categories the dispatcher may run.
// This structure is NOT persisted to disk - it is seeded from the config at
// startup and may be toggled at runtime.
type ActionFlags struct {
	mu sync.RWMutex

	Spotify bool
	System  bool
	Shell   bool
	Media   bool
	Hotkey  bool
	Macro   bool
}

// NewActionFlags creates a new ActionFlags instance with every category enabled
func NewActionFlags() *ActionFlags {
	return &ActionFlags{
		Spotify: true,
		System:  true,
		Shell:   true,
		Media:   true,
		Hotkey:  true,
		Macro:   true,
	}
}

// IsEnabled checks if a category is enabled. Unknown categories are disabled.
func (f *ActionFlags) IsEnabled(category string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	switch category {
	case Spotify:
		return f.Spotify
	case System:
		return f.System
	case Shell:
		return f.Shell
	case Media:
		return f.Media
	case Hotkey:
		return f.Hotkey
	case Macro:
		return f.Macro
	default:
		return false
	}
}

// Enable enables a category
func (f *ActionFlags) Enable(category string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set(category, true)
}

// Disable disables a category
func (f *ActionFlags) Disable(category string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set(category, false)
}

// Set enables or disables a category
func (f *ActionFlags) Set(category string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set(category, enabled)
}

// set must be called with lock held
func (f *ActionFlags) set(category string, enabled bool) {
	switch category {
	case Spotify:
		f.Spotify = enabled
	case System:
		f.System = enabled
	case Shell:
		f.Shell = enabled
	case Media:
		f.Media = enabled
	case Hotkey:
		f.Hotkey = enabled
	case Macro:
		f.Macro = enabled
	}
	// Unknown categories are ignored
}

// Enabled returns the names of all enabled categories
func (f *ActionFlags) Enabled() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []string
	for _, c := range []struct {
		name string
		on   bool
	}{
		{Spotify, f.Spotify},
		{System, f.System},
		{Shell, f.Shell},
		{Media, f.Media},
		{Hotkey, f.Hotkey},
		{Macro, f.Macro},
	} {
		if c.on {
			out = append(out, c.name)
		}
	}
	return out
}
