package command

import "testing"

func TestParseAliases(t *testing.T) {
	cases := []struct {
		text string
		verb Verb
		args string
	}{
		{"@agent approve", VerbApprove, ""},
		{"@agent lgtm", VerbApprove, ""},
		{"@mend ship-it", VerbApprove, ""},
		{"@agent go", VerbApprove, ""},
		{"@agent reject too risky", VerbReject, "too risky"},
		{"@agent no", VerbReject, ""},
		{"@agent stop", VerbReject, ""},
		{"@agent cancel", VerbReject, ""},
		{"@agent improve add tests for the retry path", VerbImprove, "add tests for the retry path"},
		{"@agent status", VerbStatus, ""},
		{"@agent help improve", VerbHelp, "improve"},
		{"@agent ci-status", VerbCIStatus, ""},
		{"@agent ci-logs", VerbCILogs, ""},
		{"@agent retry-ci", VerbRetryCI, ""},
		{"@agent ask why does the cache invalidate early", VerbAsk, "why does the cache invalidate early"},
		{"@agent explain this function", VerbAsk, "this function"},
		// Bare verbs work without the mention.
		{"approve", VerbApprove, ""},
		{"IMPROVE tighten the loop", VerbImprove, "tighten the loop"},
		// Punctuation after the mention still reads as addressed.
		{"@agent, status", VerbStatus, ""},
		{"@mend: approve", VerbApprove, ""},
	}
	for _, tc := range cases {
		cmd := Parse(tc.text)
		if cmd == nil {
			t.Fatalf("Parse(%q) = nil", tc.text)
		}
		if cmd.Verb != tc.verb || cmd.Args != tc.args {
			t.Fatalf("Parse(%q) = {%q, %q}, want {%q, %q}", tc.text, cmd.Verb, cmd.Args, tc.verb, tc.args)
		}
	}
}

func TestParseIgnoresUnaddressedText(t *testing.T) {
	for _, text := range []string{
		"",
		"   ",
		"just a regular comment",
		"looks good to me",
		// Other handles that merely start with our mention are not for us.
		"@agentsmith please deploy this",
		"@mendel review when you can",
	} {
		if cmd := Parse(text); cmd != nil {
			t.Fatalf("Parse(%q) = %+v, want nil", text, cmd)
		}
	}
}

func TestParseMentionedUnknownVerb(t *testing.T) {
	cmd := Parse("@agent frobnicate the widgets")
	if cmd == nil || cmd.Verb != VerbUnknown {
		t.Fatalf("Parse = %+v, want unknown verb", cmd)
	}
}

func TestParseBareMentionIsHelp(t *testing.T) {
	cmd := Parse("@agent")
	if cmd == nil || cmd.Verb != VerbHelp {
		t.Fatalf("Parse(\"@agent\") = %+v, want help", cmd)
	}
}
