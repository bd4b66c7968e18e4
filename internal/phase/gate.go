package phase

import (
	"fmt"
	"strings"

	"github.com/shritish20/volguard-production/internal/safety"
)

// Phase is the deployment phase, set by configuration at startup and only
// changed by operator action. It caps what the platform is allowed to do
// with a trading decision regardless of how good the decision looks.
type Phase string

const (
	Shadow   Phase = "SHADOW"    // observe and journal only
	SemiAuto Phase = "SEMI_AUTO" // every execution needs a human approval
	FullAuto Phase = "FULL_AUTO" // unattended execution permitted
)

// Action is the disposition the gate assigns to a trading decision.
type Action string

const (
	JournalOnly      Action = "JOURNAL_ONLY"
	RequiresApproval Action = "REQUIRES_APPROVAL"
	Execute          Action = "EXECUTE"
)

// Parse maps a config string onto a Phase.
func Parse(s string) (Phase, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SHADOW", "":
		return Shadow, nil
	case "SEMI_AUTO", "SEMIAUTO":
		return SemiAuto, nil
	case "FULL_AUTO", "FULLAUTO":
		return FullAuto, nil
	default:
		return "", fmt.Errorf("unknown deployment phase %q", s)
	}
}

// Decide combines the deployment phase with the current safety mode.
// Real orders only ever leave the building when the phase is FULL_AUTO
// and the mode is NORMAL; everything else degrades toward the journal.
func Decide(p Phase, mode safety.Mode) Action {
	if mode != safety.ModeNormal {
		return JournalOnly
	}
	switch p {
	case FullAuto:
		return Execute
	case SemiAuto:
		return RequiresApproval
	default:
		return JournalOnly
	}
}
