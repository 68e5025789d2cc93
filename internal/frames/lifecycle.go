package frames

import (
	"fmt"
	"strings"
)

// LifecycleEvent names a page lifecycle milestone a navigation can wait for.
type LifecycleEvent string

const (
	LifecycleLoad              LifecycleEvent = "load"
	LifecycleDOMContentLoaded  LifecycleEvent = "domcontentloaded"
	LifecycleNetworkIdle       LifecycleEvent = "networkidle0"
	LifecycleNetworkAlmostIdle LifecycleEvent = "networkidle2"
)

// protocolName maps the event to the name Page.lifecycleEvent reports.
func (e LifecycleEvent) protocolName() string {
	switch e {
	case LifecycleDOMContentLoaded:
		return "DOMContentLoaded"
	case LifecycleNetworkIdle:
		return "networkIdle"
	case LifecycleNetworkAlmostIdle:
		return "networkAlmostIdle"
	}
	return "load"
}

func (e LifecycleEvent) String() string { return string(e) }

// ParseLifecycleEvent parses a wait-until name. "documentloaded" is accepted
// as an alias of "domcontentloaded" and the empty string means "load".
func ParseLifecycleEvent(s string) (LifecycleEvent, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "load":
		return LifecycleLoad, nil
	case "domcontentloaded", "documentloaded":
		return LifecycleDOMContentLoaded, nil
	case "networkidle0", "networkidle":
		return LifecycleNetworkIdle, nil
	case "networkidle2":
		return LifecycleNetworkAlmostIdle, nil
	}
	return "", fmt.Errorf("unknown lifecycle event %q: want load, domcontentloaded, networkidle0 or networkidle2", s)
}
