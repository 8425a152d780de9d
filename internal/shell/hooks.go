// Package shell generates the bash and zsh hooks that feed executed
// commands to `omniscient capture`.
package shell

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/NeverVane/omniscient/internal/logger"
)

// Shell is a supported interactive shell
type Shell string

const (
	Bash Shell = "bash"
	Zsh  Shell = "zsh"
)

// Supported lists the shells hooks can be generated for
func Supported() []Shell {
	return []Shell{Zsh, Bash}
}

// Parse maps a shell name to a Shell
func Parse(name string) (Shell, error) {
	switch Shell(strings.ToLower(strings.TrimSpace(name))) {
	case Bash:
		return Bash, nil
	case Zsh:
		return Zsh, nil
	default:
		return "", fmt.Errorf("unsupported shell %q (supported: zsh, bash)", name)
	}
}

// Detect reads the login shell from $SHELL
func Detect() (Shell, error) {
	return DetectFrom(os.Getenv("SHELL"))
}

// DetectFrom resolves a shell path such as /usr/bin/zsh
func DetectFrom(shellPath string) (Shell, error) {
	if shellPath == "" {
		return "", fmt.Errorf("could not detect shell: $SHELL is not set")
	}
	return Parse(filepath.Base(shellPath))
}

// HookGenerator renders hook scripts that call the omniscient binary
type HookGenerator struct {
	binaryPath string
	logger     *logger.Logger
}

// NewHookGenerator uses binaryPath, or the running executable when empty
func NewHookGenerator(binaryPath string) *HookGenerator {
	if binaryPath == "" {
		if exe, err := os.Executable(); err == nil {
			binaryPath = exe
		} else {
			binaryPath = "omniscient"
		}
	}
	return &HookGenerator{
		binaryPath: binaryPath,
		logger:     logger.GetLogger().Shell(),
	}
}

// BinaryPath returns the binary the hooks invoke
func (g *HookGenerator) BinaryPath() string {
	return g.binaryPath
}

// Generate renders the hook script for shell
func (g *HookGenerator) Generate(shell Shell) (string, error) {
	var src string
	switch shell {
	case Bash:
		src = bashHookTemplate
	case Zsh:
		src = zshHookTemplate
	default:
		return "", fmt.Errorf("unsupported shell: %s", shell)
	}

	tmpl, err := template.New(string(shell) + "_hook").Parse(src)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s hook template: %w", shell, err)
	}

	data := struct {
		BinaryPath string
		BinaryName string
	}{
		BinaryPath: shellQuote(g.binaryPath),
		BinaryName: filepath.Base(g.binaryPath),
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute %s hook template: %w", shell, err)
	}

	g.logger.Debug().Str("shell", string(shell)).Str("binary", g.binaryPath).Msg("Generated shell hook")
	return buf.String(), nil
}

// InstallInstructions tells the user where to put the init line
func (g *HookGenerator) InstallInstructions(shell Shell) string {
	rc, err := ConfigFile(shell)
	if err != nil {
		rc = "your shell rc file"
	}
	return fmt.Sprintf(`To enable omniscient in %s, add the following line to %s:

eval "$(omniscient init %s)"

Then restart your shell or run:
source %s`, shell, rc, shell, rc)
}

// ConfigFile returns the rc file the init line belongs in
func ConfigFile(shell Shell) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	var candidates []string
	switch shell {
	case Bash:
		candidates = []string{filepath.Join(homeDir, ".bashrc")}
		if runtime.GOOS == "darwin" {
			candidates = append([]string{filepath.Join(homeDir, ".bash_profile")}, candidates...)
		}
	case Zsh:
		candidates = []string{filepath.Join(homeDir, ".zshrc")}
	default:
		return "", fmt.Errorf("unsupported shell: %s", shell)
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return candidates[0], nil
}

// shellQuote wraps s in single quotes for POSIX shells
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

const bashHookTemplate = `# omniscient bash integration
# Generated by: omniscient init bash

# Set while PROMPT_COMMAND runs, so its entries never reach the DEBUG trap.
# Starts set so the rest of the rc file is not captured either.
__OMNISCIENT_IN_PROMPT=1

__omniscient_preexec() {
    [[ -n "$COMP_LINE" ]] && return
    [[ -n "$__OMNISCIENT_IN_PROMPT" ]] && return
    [[ "$BASH_COMMAND" == __omniscient_* ]] && return
    [[ -n "$__OMNISCIENT_COMMAND" ]] && return
    __OMNISCIENT_COMMAND=$(HISTTIMEFORMAT= builtin history 1 | sed -e 's/^ *[0-9]\+\*\? *//')
    __OMNISCIENT_START=$(date +%s%3N 2>/dev/null)
    [[ "$__OMNISCIENT_START" =~ ^[0-9]+$ ]] || __OMNISCIENT_START=$(( $(date +%s) * 1000 ))
}

__omniscient_precmd() {
    local exit_code=$?
    __OMNISCIENT_IN_PROMPT=1
    local cmd="$__OMNISCIENT_COMMAND"
    unset __OMNISCIENT_COMMAND

    if [[ "$PROMPT_COMMAND" != __omniscient_precmd* || "$PROMPT_COMMAND" != *__omniscient_prompt_done ]]; then
        __omniscient_install_prompt
    fi

    [[ -z "$cmd" || "$cmd" == {{.BinaryName}}* ]] && return

    local end duration=0
    end=$(date +%s%3N 2>/dev/null)
    [[ "$end" =~ ^[0-9]+$ ]] || end=$(( $(date +%s) * 1000 ))
    if [[ "$__OMNISCIENT_START" =~ ^[0-9]+$ ]]; then
        duration=$(( end - __OMNISCIENT_START ))
    fi

    ({{.BinaryPath}} capture --exit-code "$exit_code" --duration "$duration" -- "$cmd" >/dev/null 2>&1 &)
}

__omniscient_prompt_done() {
    unset __OMNISCIENT_IN_PROMPT
}

# Keeps __omniscient_precmd first, for the exit code, and
# __omniscient_prompt_done last, around whatever else PROMPT_COMMAND runs.
__omniscient_install_prompt() {
    local pc="$PROMPT_COMMAND"
    pc=${pc//__omniscient_precmd; /}
    pc=${pc//; __omniscient_prompt_done/}
    pc=${pc//__omniscient_precmd/}
    pc=${pc//__omniscient_prompt_done/}
    while [[ "$pc" == *[[:space:]\;] ]]; do pc=${pc%?}; done
    while [[ "$pc" == [[:space:]\;]* ]]; do pc=${pc#?}; done
    PROMPT_COMMAND="__omniscient_precmd${pc:+; $pc}; __omniscient_prompt_done"
}

trap '__omniscient_preexec' DEBUG
__omniscient_install_prompt
`

const zshHookTemplate = `# omniscient zsh integration
# Generated by: omniscient init zsh

__omniscient_preexec() {
    __OMNISCIENT_COMMAND="$1"
    __OMNISCIENT_START=$(( EPOCHREALTIME * 1000 ))
}

__omniscient_precmd() {
    local exit_code=$?
    local cmd="$__OMNISCIENT_COMMAND"
    unset __OMNISCIENT_COMMAND

    [[ -z "$cmd" || "$cmd" == {{.BinaryName}}* ]] && return

    local duration=0
    if [[ -n "$__OMNISCIENT_START" ]]; then
        duration=$(( ${$(( EPOCHREALTIME * 1000 ))%.*} - ${__OMNISCIENT_START%.*} ))
    fi

    { {{.BinaryPath}} capture --exit-code "$exit_code" --duration "$duration" -- "$cmd" >/dev/null 2>&1 } &!
}

zmodload zsh/datetime 2>/dev/null
autoload -Uz add-zsh-hook

if [[ ${preexec_functions[(I)__omniscient_preexec]} -eq 0 ]]; then
    add-zsh-hook preexec __omniscient_preexec
fi

if [[ ${precmd_functions[(I)__omniscient_precmd]} -eq 0 ]]; then
    add-zsh-hook precmd __omniscient_precmd
fi
`
