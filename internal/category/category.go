// Package category labels commands by the program they invoke.
package category

import (
	"sort"
	"strings"
)

// Other is assigned to any command whose program is not in the rule table.
const Other = "other"

var rules = buildRules(map[string][]string{
	"git":        {"git", "gh"},
	"docker":     {"docker", "docker-compose", "podman"},
	"package":    {"npm", "yarn", "pnpm", "cargo", "pip", "pip3", "gem", "bundle", "apt", "apt-get", "brew", "yum", "dnf", "pacman"},
	"file":       {"ls", "cd", "mkdir", "rm", "rmdir", "cp", "mv", "cat", "less", "more", "head", "tail", "touch", "find", "grep", "awk", "sed"},
	"network":    {"curl", "wget", "ping", "ssh", "scp", "rsync", "nc", "netcat", "telnet", "ftp", "sftp"},
	"build":      {"make", "cmake", "ninja", "bazel", "gradle", "mvn", "ant"},
	"database":   {"psql", "mysql", "sqlite3", "mongo", "redis-cli", "mongosh"},
	"kubernetes": {"kubectl", "k9s", "helm", "minikube", "kind"},
	"cloud":      {"aws", "gcloud", "az", "terraform", "terragrunt", "pulumi"},
	"editor":     {"vim", "nvim", "nano", "emacs", "code", "subl"},
	"system":     {"sudo", "systemctl", "service", "journalctl", "top", "htop", "ps", "kill", "killall", "df", "du", "free", "uptime"},
	"vcs":        {"svn", "hg", "bzr"},
})

func buildRules(byCategory map[string][]string) map[string]string {
	out := make(map[string]string)
	for cat, programs := range byCategory {
		for _, p := range programs {
			out[p] = cat
		}
	}
	return out
}

// Categorize returns the label for the first whitespace-delimited token of
// command, with any directory prefix removed (/usr/bin/git -> git).
// Matching is case-sensitive.
func Categorize(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return Other
	}
	program := fields[0]
	if i := strings.LastIndexByte(program, '/'); i >= 0 {
		program = program[i+1:]
	}
	if cat, ok := rules[program]; ok {
		return cat
	}
	return Other
}

// Categories lists every label the rule table can produce, sorted, without Other.
func Categories() []string {
	seen := make(map[string]struct{})
	for _, cat := range rules {
		seen[cat] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for cat := range seen {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// IsKnown reports whether name is a label Categorize can return.
func IsKnown(name string) bool {
	if name == Other {
		return true
	}
	for _, cat := range rules {
		if cat == name {
			return true
		}
	}
	return false
}
