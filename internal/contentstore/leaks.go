package contentstore

import "regexp"

// leakWarning is a credential-looking string found in outbound content.
type leakWarning struct {
	Path    string
	Pattern string
	Sample  string
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), "API key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`), "Slack token"},
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`), "GitHub token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "Google API key"},
	{regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), "OpenAI API key"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`), "private key"},
}

// scanLeaks reports credential-looking strings in files about to be
// committed. Content is never modified; the caller only logs.
func scanLeaks(files []File) []leakWarning {
	var out []leakWarning
	for _, f := range files {
		if f.Content == "" {
			continue
		}
		for _, pat := range leakPatterns {
			for _, match := range pat.re.FindAllString(f.Content, 3) {
				sample := match
				if len(sample) > 12 {
					sample = sample[:9] + "..."
				}
				out = append(out, leakWarning{Path: f.Path, Pattern: pat.desc, Sample: sample})
			}
		}
	}
	return out
}
