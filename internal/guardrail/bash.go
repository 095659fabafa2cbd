package guardrail

import (
	"regexp"
	"strings"
)

// The bash block-list. Matching happens on a normalized command: lowercase,
// newlines joined, wrapper prefixes stripped, and absolute binary paths
// reduced to their basename so /bin/rm is just rm.
type bashRule struct {
	name  string
	regex *regexp.Regexp
}

var bashRules = []bashRule{
	{"destructive_command", regexp.MustCompile(`(?:^|[\s;&|])(?:rm|rmdir|chmod|chown|kill|killall|sudo|mkfs[a-z.]*|shred)(?:\s|$)`)},
	{"download_pipe_shell", regexp.MustCompile(`(?:curl|wget)[^|;&]*\|\s*(?:ba|z|da)?sh\b`)},
	{"substitution_destructive", regexp.MustCompile(`(?:\$\(|\(|` + "`" + `)[^)` + "`" + `]*\b(?:rm|rmdir|chmod|chown|kill|sudo)\b`)},
	{"python_fs_bypass", regexp.MustCompile(`python[0-9.]*\s+-c\s+.*(?:os\s*\.\s*(?:remove|unlink|rmdir)|shutil\s*\.\s*rmtree|subprocess)`)},
	{"node_eval_bypass", regexp.MustCompile(`node\s+(?:-e|--eval)\s+.*(?:child_process|unlinksync|rmdirsync|rmsync)`)},
}

var (
	binaryPath    = regexp.MustCompile(`(?:^|[\s;&|(])(?:/[a-z0-9._+-]+)*/([a-z0-9._+-]+)`)
	wrapperPrefix = regexp.MustCompile(`^(?:env(?:\s+[a-z_][a-z0-9_]*=\S*)*|command|nohup|time)\s+`)
)

// normalizeCommand flattens the forms attackers use to dodge a literal
// match. Applied before every rule.
func normalizeCommand(command string) string {
	c := strings.ToLower(command)
	c = strings.ReplaceAll(c, "\n", " ; ")
	c = strings.ReplaceAll(c, "\r", " ")

	// Absolute paths to binaries become bare names.
	c = binaryPath.ReplaceAllString(c, " $1")

	// Wrapper prefixes peel off repeatedly: "env command rm" is "rm".
	for {
		stripped := wrapperPrefix.ReplaceAllString(c, "")
		if stripped == c {
			break
		}
		c = stripped
	}
	return c
}

// CheckBashCommand scans a shell command against the block-list and
// returns the violated rule name, or "" when the command passes.
func CheckBashCommand(command string) string {
	normalized := normalizeCommand(command)
	for _, rule := range bashRules {
		if rule.regex.MatchString(normalized) {
			return rule.name
		}
	}
	return ""
}
