package guardian

import "regexp"

// pattern is one deterministic check: a compiled regex, the violation it
// raises, and the replacement used for automatic redaction.
type pattern struct {
	name        string
	re          *regexp.Regexp
	kind        Kind
	severity    Severity
	principle   string
	replacement string
}

// builtinPatterns is the deterministic layer of the review. Personal
// data markers and credential shapes; checked on every terminal
// response before it leaves the hub.
var builtinPatterns = []pattern{
	{
		name:        "email",
		re:          regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9]+(?:[.-][A-Za-z0-9]+)*\.[A-Za-z]{2,63}\b`),
		kind:        KindPrivacy,
		severity:    SeverityHigh,
		principle:   "no-personal-data-egress",
		replacement: "__REDACTED_EMAIL__",
	},
	{
		name:        "phone",
		re:          regexp.MustCompile(`(?:\+?\d{1,3}[\s.-]?)?(?:\(\d{2,4}\)[\s.-]?)?\d{3}[\s.-]\d{3,4}[\s.-]?\d{2,4}\b`),
		kind:        KindPrivacy,
		severity:    SeverityMedium,
		principle:   "no-personal-data-egress",
		replacement: "__REDACTED_PHONE__",
	},
	{
		name:        "government_id",
		re:          regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		kind:        KindPrivacy,
		severity:    SeverityHigh,
		principle:   "no-personal-data-egress",
		replacement: "__REDACTED_ID__",
	},
	{
		name:        "api_key",
		re:          regexp.MustCompile(`(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?[A-Za-z0-9_\-]{20,}["']?`),
		kind:        KindSystem,
		severity:    SeverityHigh,
		principle:   "no-credential-egress",
		replacement: "__REDACTED_API_KEY__",
	},
	{
		name:        "token",
		re:          regexp.MustCompile(`(?i)(?:bearer|token|jwt)["']?\s*[:=]\s*["']?[A-Za-z0-9_\-.]{20,}["']?`),
		kind:        KindSystem,
		severity:    SeverityHigh,
		principle:   "no-credential-egress",
		replacement: "__REDACTED_TOKEN__",
	},
	{
		name:        "private_key_block",
		re:          regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`),
		kind:        KindSystem,
		severity:    SeverityCritical,
		principle:   "no-credential-egress",
		replacement: "__REDACTED_KEY_MATERIAL__",
	},
}

// forbiddenAssertions is the policy table: claims an agent must never
// make. Matched case-insensitively against the final text.
var forbiddenAssertions = []pattern{
	{
		name:      "central_control",
		re:        regexp.MustCompile(`(?i)\bI (?:now )?(?:control|own|command) (?:all|every|the entire)\b`),
		kind:      KindCentralization,
		severity:  SeverityHigh,
		principle: "no-central-control-claims",
	},
	{
		name:      "override_user",
		re:        regexp.MustCompile(`(?i)\b(?:overrid(?:e|ing)|ignor(?:e|ing)) (?:the )?(?:user(?:'s)?|human) (?:decision|instruction|consent)\b`),
		kind:      KindHumanRights,
		severity:  SeverityCritical,
		principle: "user-consent-is-final",
	},
	{
		name:      "impersonation",
		re:        regexp.MustCompile(`(?i)\bI am (?:a real person|human|not an (?:AI|agent))\b`),
		kind:      KindCommunity,
		severity:  SeverityMedium,
		principle: "no-impersonation",
	},
}

// ambiguityHints flag text for the optional LLM nuance check when the
// deterministic layers pass. Cheap substring-level heuristics.
var ambiguityHints = regexp.MustCompile(`(?i)\b(?:home address|passport|medical record|social security|date of birth)\b`)
