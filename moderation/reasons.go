package moderation

// Reference reasons seeded at startup. Operators can add rows directly; codes
// here are the ones the built-in sweeps and handlers use.
var defaultReasons = []Reason{
	{Code: "spam", Category: "content", Severity: 2},
	{Code: "harassment", Category: "conduct", Severity: 3},
	{Code: "fraud", Category: "integrity", Severity: 4},
	{Code: "refund_abuse", Category: "integrity", Severity: 3},
	{Code: "quality_review", Category: "quality", Severity: 2},
	{Code: "policy_violation", Category: "policy", Severity: 2},
	{Code: "appeal_reversal", Category: "process", Severity: 1},
}
