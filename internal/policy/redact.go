package policy

import "regexp"

// secretPatterns are known secret shapes redacted before any logging or
// forwarding (§4.6 rule 1). This is deliberately conservative: a false
// positive (over-redacting) is cheap, a false negative leaks a credential.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{20,}=*`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
}

const redactedPlaceholder = "[redacted]"

// RedactInputs returns a copy of inputs with any value matching a known
// secret pattern replaced, for inclusion in the audit record.
func RedactInputs(inputs map[string]string) map[string]string {
	out := make(map[string]string, len(inputs))
	for k, v := range inputs {
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v string) string {
	for _, re := range secretPatterns {
		v = re.ReplaceAllString(v, redactedPlaceholder)
	}
	return v
}

// RedactText applies the same known-secret patterns to an arbitrary blob of
// text rather than a keyed input map — used by the Watcher's crash manifest
// capture, which has no structured inputs to redact, only a raw panic value
// and stack trace that might still echo a secret-bearing argument.
func RedactText(s string) string {
	return redactValue(s)
}
