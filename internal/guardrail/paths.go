package guardrail

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// PathPolicy decides whether a filesystem path, or a command string that
// references one, touches material the agent must not see. The predicate is
// deliberately over-broad: a false deny costs a retry, a false allow leaks
// a credential.
type PathPolicy struct {
	// dataDir is the broker's own state directory; everything under it is
	// off limits.
	dataDir  string
	home     string
	tempDirs []string
}

// NewPathPolicy builds the predicate around the broker data dir.
func NewPathPolicy(dataDir string) *PathPolicy {
	home, _ := os.UserHomeDir()
	return &PathPolicy{
		dataDir:  filepath.Clean(dataDir),
		home:     home,
		tempDirs: []string{"/tmp", "/var/tmp", filepath.Clean(os.TempDir())},
	}
}

// Basenames that are sensitive wherever they live.
var sensitiveBasenames = []string{
	".env", ".envrc", ".netrc", ".npmrc", ".pypirc", ".git-credentials",
	".bashrc", ".zshrc", ".profile", ".bash_profile", ".zprofile", ".bash_login",
	".bash_history", ".zsh_history", ".python_history", ".node_repl_history",
	".psql_history", ".mysql_history", ".lesshst",
}

// Glob shapes for sensitive basenames, used both on literal names and to
// decide whether a wildcard in a command could expand into one.
var sensitiveBasenameGlobs = []string{
	".env.*", "*secrets.json", "*secrets.yaml", "*secrets.yml",
}

// Directories under the home dir whose entire contents are sensitive.
var sensitiveHomeDirs = []string{
	".ssh", ".gnupg", ".aws", ".azure", ".kube", ".claude",
	filepath.Join(".config", "gcloud"),
	filepath.Join(".docker", "config.json"),
	filepath.Join(".mozilla", "firefox"),
	filepath.Join(".config", "google-chrome"),
	filepath.Join(".config", "chromium"),
	filepath.Join("Library", "Application Support", "Google", "Chrome"),
	filepath.Join("Library", "Keychains"),
}

// Absolute paths that are sensitive on any host.
var sensitiveAbsolute = []string{
	"/proc/self/environ",
	"/proc/self/cmdline",
	"/etc/shadow",
	"/etc/sudoers",
}

// IsSensitivePath reports whether the given path must not be touched.
// Symlinks are resolved first so a benign-looking link cannot launder a
// sensitive target; an unresolvable path is judged by its literal form.
func (p *PathPolicy) IsSensitivePath(path string) bool {
	if path == "" {
		return false
	}
	expanded := expandHome(path, p.home)
	cleaned := filepath.Clean(expanded)

	if resolved, err := filepath.EvalSymlinks(cleaned); err == nil {
		if p.matchesSensitive(resolved) {
			return true
		}
	}
	return p.matchesSensitive(cleaned)
}

func (p *PathPolicy) matchesSensitive(path string) bool {
	if p.dataDir != "" && p.dataDir != "." && underDir(path, p.dataDir) {
		return true
	}
	for _, abs := range sensitiveAbsolute {
		if path == abs || underDir(path, abs) {
			return true
		}
	}
	for _, tmp := range p.tempDirs {
		if path == tmp || underDir(path, tmp) {
			return true
		}
	}

	base := filepath.Base(path)
	for _, name := range sensitiveBasenames {
		if base == name {
			return true
		}
	}
	for _, glob := range sensitiveBasenameGlobs {
		if ok, _ := filepath.Match(glob, base); ok {
			return true
		}
	}

	if p.home != "" {
		for _, dir := range sensitiveHomeDirs {
			full := filepath.Join(p.home, dir)
			if path == full || underDir(path, full) {
				return true
			}
		}
	}
	// Relative references into the protected dirs, including the bare
	// "cd .ssh && cat id_rsa" form that never touches an absolute path.
	sep := string(filepath.Separator)
	for _, dir := range sensitiveHomeDirs {
		if path == dir ||
			strings.HasPrefix(path, dir+sep) ||
			strings.Contains(path, sep+dir+sep) ||
			strings.HasSuffix(path, sep+dir) {
			return true
		}
	}
	return false
}

// configDirVars are environment variables whose value points at agent or
// broker configuration. A command referencing one references the config dir.
var configDirVars = []string{
	"CLAUDE_CONFIG_DIR", "AGENTGATE_DATA_DIR", "XDG_CONFIG_HOME",
}

var (
	cdJoinPattern  = regexp.MustCompile(`cd\s+(\S+)\s*(?:&&|;)\s*\S+(?:\s+(?:-\S+\s+)*)(\S+)`)
	bracePattern   = regexp.MustCompile(`(\S*)\{([^}\s]+)\}(\S*)`)
	envVarPattern  = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)\}?`)
	tokenSplitter  = regexp.MustCompile(`[\s"'` + "`" + `;|&()<>]+`)
	globSensitives = append(append([]string{}, sensitiveBasenames...), ".ssh", ".aws", ".gnupg", ".kube", "secrets.json", "secrets.yaml")
)

// CommandReferencesSensitive reports whether a shell command string refers
// to a sensitive path in any of the forms the predicate normalizes:
// newline-joined commands, cd-plus-basename, env-var indirection, brace
// expansion, and wildcards that could expand into a protected name.
func (p *PathPolicy) CommandReferencesSensitive(command string) bool {
	normalized := strings.ReplaceAll(command, "\n", " ; ")
	normalized = strings.ReplaceAll(normalized, "\r", " ")

	// Env-var indirection: a reference to a config-dir variable is a
	// reference to the directory it names.
	for _, m := range envVarPattern.FindAllStringSubmatch(normalized, -1) {
		for _, v := range configDirVars {
			if m[1] == v {
				return true
			}
		}
	}

	for _, candidate := range p.expandCandidates(normalized) {
		if containsGlob(candidate) {
			if globCouldMatchSensitive(candidate) {
				return true
			}
			continue
		}
		if looksLikePath(candidate) && p.IsSensitivePath(candidate) {
			return true
		}
	}
	return false
}

// expandCandidates produces the path candidates a shell would see: raw
// tokens, brace expansions, and cd-prefix joins.
func (p *PathPolicy) expandCandidates(command string) []string {
	var out []string

	for _, m := range cdJoinPattern.FindAllStringSubmatch(command, -1) {
		dir, file := m[1], m[2]
		out = append(out, filepath.Join(dir, file))
	}

	for _, tok := range tokenSplitter.Split(command, -1) {
		if tok == "" {
			continue
		}
		if bm := bracePattern.FindStringSubmatch(tok); bm != nil {
			for _, alt := range strings.Split(bm[2], ",") {
				out = append(out, bm[1]+alt+bm[3])
			}
			continue
		}
		out = append(out, tok)
	}
	return out
}

func containsGlob(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// globCouldMatchSensitive checks a wildcard token against the canonical
// sensitive names; ".e*" must be treated as a reach for ".env".
func globCouldMatchSensitive(pattern string) bool {
	base := filepath.Base(pattern)
	for _, name := range globSensitives {
		if ok, _ := filepath.Match(base, name); ok {
			return true
		}
	}
	return false
}

// looksLikePath filters tokens that plausibly name a file: anything with a
// separator, a dot-prefixed name, or a home reference.
func looksLikePath(tok string) bool {
	if strings.ContainsRune(tok, filepath.Separator) || strings.HasPrefix(tok, "~") {
		return true
	}
	return strings.HasPrefix(tok, ".") && len(tok) > 1
}

func expandHome(path, home string) string {
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// underDir reports whether path is strictly inside dir. Equality is left to
// the caller.
func underDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
