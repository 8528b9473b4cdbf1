package dynamo

// Attribute names in the OTP tables.
const (
	attrAppID       = "app_id"
	attrIdentity    = "identity"
	attrCodeDigest  = "code_digest"
	attrAttempts    = "attempts"
	attrCooldownKey = "cooldown_key"
	attrUntil       = "until"
	attrTTL         = "ttl" // table TTL attribute, epoch seconds
)
