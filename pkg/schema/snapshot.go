package schema

// Node kinds recognized by the run engine.
const (
	NodeKindTrigger   = "trigger"
	NodeKindCondition = "condition"
	NodeKindAction    = "action"
)

// Edge handle labels used for condition branching.
const (
	HandleCondTrue  = "cond-true"
	HandleCondFalse = "cond-false"
)

// Reserved snapshot keys. A snapshot is the serialized node/edge graph
// captured when a run is created; these keys ride alongside "nodes" and
// "edges" and are consumed by the engine, never by node executors.
const (
	SnapshotKeyTriggerContext  = "_trigger_context"
	SnapshotKeyEgressAllowlist = "_egress_allowlist"
	SnapshotKeyStartFromNode   = "_start_from_node"
)

// Egress denial rule names recorded on block events.
const (
	EgressRuleDenylist      = "denylist"
	EgressRuleAllowlistMiss = "allowlist_miss"
	EgressRuleDefaultDeny   = "default_deny"
	EgressRuleSSRFHardening = "ssrf_hardening"
)

// RunawayProtectionError is the terminal error string recorded on runs
// refused by the runaway guard. Kept stable for API consumers.
const RunawayProtectionError = "runaway_protection_triggered"
