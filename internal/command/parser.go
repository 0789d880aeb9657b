// Package command turns free-form "@agent ..." text into typed state
// transitions and routes them to the orchestrator.
package command

import (
	"strings"
)

// Verb is a canonical command name.
type Verb string

const (
	VerbApprove  Verb = "approve"
	VerbReject   Verb = "reject"
	VerbImprove  Verb = "improve"
	VerbStatus   Verb = "status"
	VerbHelp     Verb = "help"
	VerbCIStatus Verb = "ci-status"
	VerbCILogs   Verb = "ci-logs"
	VerbRetryCI  Verb = "retry-ci"
	VerbAsk      Verb = "ask"
	VerbUnknown  Verb = ""
)

// aliases maps every accepted spelling to its canonical verb.
var aliases = map[string]Verb{
	"approve": VerbApprove, "lgtm": VerbApprove, "ship-it": VerbApprove, "go": VerbApprove,
	"reject": VerbReject, "no": VerbReject, "stop": VerbReject, "cancel": VerbReject,
	"improve":   VerbImprove,
	"status":    VerbStatus,
	"help":      VerbHelp,
	"ci-status": VerbCIStatus,
	"ci-logs":   VerbCILogs,
	"retry-ci":  VerbRetryCI,
	"ask": VerbAsk, "explain": VerbAsk, "find": VerbAsk, "discover": VerbAsk,
}

// mentionPrefixes are stripped before the command word.
var mentionPrefixes = []string{"@agent", "@mend"}

// Command is one parsed invocation.
type Command struct {
	Verb Verb
	Args string // remainder after the command word, trimmed
	Raw  string
}

// Parse tokenizes text into a Command. Text that carries a mention but no
// recognized verb parses to VerbUnknown so the router can answer with usage.
// Text with no mention and no verb returns nil: it is not addressed to us.
func Parse(text string) *Command {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	mentioned := false
	for _, prefix := range mentionPrefixes {
		if len(trimmed) < len(prefix) || !strings.EqualFold(trimmed[:len(prefix)], prefix) {
			continue
		}
		rest := trimmed[len(prefix):]
		// The mention must end at a word boundary: "@agentsmith" is somebody
		// else entirely.
		if rest != "" && !strings.ContainsRune(" \t\r\n:,", rune(rest[0])) {
			continue
		}
		trimmed = strings.TrimSpace(strings.TrimLeft(rest, " \t\r\n:,"))
		mentioned = true
		break
	}

	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		if mentioned {
			return &Command{Verb: VerbHelp, Raw: text}
		}
		return nil
	}

	verb, ok := aliases[strings.ToLower(fields[0])]
	if !ok {
		if mentioned {
			return &Command{Verb: VerbUnknown, Args: trimmed, Raw: text}
		}
		return nil
	}

	args := strings.TrimSpace(trimmed[len(fields[0]):])
	return &Command{Verb: verb, Args: args, Raw: text}
}

// Usage returns the help text for one verb, or the full table for "".
func Usage(topic string) string {
	switch Verb(strings.ToLower(strings.TrimSpace(topic))) {
	case VerbApprove:
		return "approve (aliases: lgtm, ship-it, go) — approve the posted plan and queue execution"
	case VerbReject:
		return "reject (aliases: no, stop, cancel) — reject the posted plan"
	case VerbImprove:
		return "improve <feedback> — send the plan back with feedback"
	case VerbStatus:
		return "status — show the task's current status"
	case VerbCIStatus:
		return "ci-status — show CI state for the PR"
	case VerbCILogs:
		return "ci-logs — fetch the failing CI log tail"
	case VerbRetryCI:
		return "retry-ci — re-run failed CI jobs"
	case VerbAsk:
		return "ask <question> (aliases: explain, find, discover) — open a read-only review task"
	default:
		return "commands: approve, reject, improve <feedback>, status, help [cmd], ci-status, ci-logs, retry-ci, ask <question>"
	}
}
