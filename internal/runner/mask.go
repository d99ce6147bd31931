package runner

import "regexp"

type redaction struct {
	re      *regexp.Regexp
	replace string
}

var redactions = []redaction{
	// token: abc / password=foo / authorization: Bearer
	{
		re:      regexp.MustCompile(`(?i)\b(token|password|secret|apikey|api_key|authorization)\b\s*[:=]\s*([^\s'"]+)`),
		replace: `$1=[REDACTED]`,
	},
	// kubeconfig credential fields
	{
		re:      regexp.MustCompile(`(?i)\b(client-certificate-data|client-key-data|id-token)\b\s*[:=]\s*([^\s'"]+)`),
		replace: `$1=[REDACTED]`,
	},
	// "access_token": "value"
	{
		re:      regexp.MustCompile(`(?i)("(access_token|refresh_token|password|client_secret)")\s*:\s*"([^"]+)"`),
		replace: `$1:"[REDACTED]"`,
	},
}

// MaskSecrets hides tokens, passwords and credentials in an output line. It is
// best effort and runs before a line is stored or sent.
func MaskSecrets(line string) string {
	masked := line
	for _, r := range redactions {
		masked = r.re.ReplaceAllString(masked, r.replace)
	}
	return masked
}
