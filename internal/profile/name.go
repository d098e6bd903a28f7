package profile

import (
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/config"
)

// DefaultName is the profile used when nothing else selects one.
const DefaultName = "main"

const maxNameLen = 64

// Source records which setting chose the active profile.
type Source string

const (
	SourceFlag    Source = "--profile"
	SourceEnv     Source = "$CHATSYNC_PROFILE"
	SourceConfig  Source = "config default_profile"
	SourceDefault Source = "default"
)

// NameError is returned for a profile name that cannot become a directory
// under profiles/.
type NameError struct {
	Name   string
	Reason string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("invalid profile name %q: %s", e.Name, e.Reason)
}

// ValidateName accepts 1 to 64 characters of [a-z0-9_-]. A leading '-' is
// refused so a name never parses as a flag.
func ValidateName(name string) error {
	switch {
	case name == "":
		return &NameError{Name: name, Reason: "empty"}
	case len(name) > maxNameLen:
		return &NameError{Name: name, Reason: fmt.Sprintf("longer than %d characters", maxNameLen)}
	case name[0] == '-':
		return &NameError{Name: name, Reason: "must not start with '-'"}
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return &NameError{Name: name, Reason: fmt.Sprintf("character %q not allowed (use a-z, 0-9, '-', '_')", c)}
		}
	}
	return nil
}

// Resolve picks the active profile. The flag wins, then $CHATSYNC_PROFILE,
// then default_profile from the global config, then DefaultName.
func Resolve(flagOverride string) (string, Source) {
	if flagOverride != "" {
		return flagOverride, SourceFlag
	}
	if env := os.Getenv("CHATSYNC_PROFILE"); env != "" {
		return env, SourceEnv
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile, SourceConfig
	}
	return DefaultName, SourceDefault
}
