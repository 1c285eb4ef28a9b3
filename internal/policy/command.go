package policy

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

var errCommandSyntax = errors.New("command syntax")

// segment is one simple command of a shell line.
type segment struct {
	executable string
	args       []string
	// operands are the words the command may open as files: every argument
	// and every input redirection target.
	operands []operand
}

// operand is a word as the shell will pass it, after parameter expansion.
type operand struct {
	text string
	glob bool
}

var envAssignment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// splitCommandLine breaks line into simple commands on ;, &&, ||, |, & and
// newlines outside quotes. Substitution, process substitution, here-documents
// and output redirection are rejected because they run or touch things no
// segment names. lookup expands $NAME outside single quotes; a nil lookup
// leaves references as written.
func splitCommandLine(line string, lookup func(name string) string) ([]segment, error) {
	var (
		segments []segment
		words    []operand
		inputs   []operand
		word     strings.Builder
		inWord   bool
		glob     bool
		brace    bool
		redirect bool
		single   bool
		double   bool
		escaped  bool
	)

	flushWord := func() error {
		if !inWord {
			return nil
		}
		w := operand{text: word.String(), glob: glob}
		if brace && (strings.Contains(w.text, ",") || strings.Contains(w.text, "..")) {
			return syntaxError("brace expansion")
		}
		if redirect {
			inputs = append(inputs, w)
			redirect = false
		} else {
			words = append(words, w)
		}
		word.Reset()
		inWord, glob, brace = false, false, false
		return nil
	}
	flushSegment := func() error {
		if err := flushWord(); err != nil {
			return err
		}
		if redirect {
			return syntaxError("missing redirection target")
		}
		seg, ok, err := toSegment(words, inputs)
		if err != nil {
			return err
		}
		if ok {
			segments = append(segments, seg)
		}
		words, inputs = nil, nil
		return nil
	}

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch {
		case escaped:
			word.WriteRune(r)
			inWord = true
			escaped = false
		case single:
			if r == '\'' {
				single = false
			} else {
				word.WriteRune(r)
			}
		case r == '`':
			return nil, syntaxError("backtick substitution")
		case r == '$' && (next == '(' || next == '{'):
			return nil, syntaxError("$" + string(next) + " expansion")
		case r == '$' && isNameStart(next):
			j := i + 1
			for j < len(runes) && isNameChar(runes[j]) {
				j++
			}
			name := string(runes[i+1 : j])
			value := "$" + name
			if lookup != nil {
				value = lookup(name)
				if !double && strings.ContainsAny(value, " \t\n") {
					return nil, syntaxError("word splitting of $" + name)
				}
				if !double && strings.ContainsAny(value, "*?[") {
					glob = true
				}
			}
			word.WriteString(value)
			inWord = true
			i = j - 1
		case r == '$' && next != 0 && !unicode.IsSpace(next) && !(double && next == '"') && !strings.ContainsRune(";|&\n", next):
			return nil, syntaxError("$" + string(next) + " expansion")
		case double:
			switch r {
			case '"':
				double = false
			case '\\':
				escaped = true
			default:
				word.WriteRune(r)
			}
		case r == '\\':
			escaped = true
			inWord = true
		case r == '\'':
			single = true
			inWord = true
		case r == '"':
			double = true
			inWord = true
		case (r == '<' || r == '>') && next == '(':
			return nil, syntaxError("process substitution")
		case r == '>':
			return nil, syntaxError("output redirection")
		case r == '<':
			if next == '<' || next == '&' || next == '>' {
				return nil, syntaxError("redirection <" + string(next))
			}
			if err := flushWord(); err != nil {
				return nil, err
			}
			if redirect {
				return nil, syntaxError("missing redirection target")
			}
			redirect = true
		case r == ';' || r == '\n' || r == '|' || r == '&':
			if next == r && (r == '|' || r == '&') {
				i++
			}
			if err := flushSegment(); err != nil {
				return nil, err
			}
		case r == ' ' || r == '\t' || r == '\r':
			if err := flushWord(); err != nil {
				return nil, err
			}
		default:
			switch r {
			case '*', '?', '[':
				glob = true
			case '{':
				brace = true
			}
			word.WriteRune(r)
			inWord = true
		}
	}
	if single || double {
		return nil, syntaxError("unterminated quote")
	}
	if escaped {
		return nil, syntaxError("trailing escape")
	}
	if err := flushSegment(); err != nil {
		return nil, err
	}
	return segments, nil
}

func isNameStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isNameChar(r rune) bool {
	return isNameStart(r) || (r >= '0' && r <= '9')
}

// toSegment builds a simple command. A leading NAME=value would change how
// the executable is looked up or loaded, so it is refused.
func toSegment(words, inputs []operand) (segment, bool, error) {
	if len(words) == 0 {
		if len(inputs) > 0 {
			return segment{}, false, syntaxError("redirection without a command")
		}
		return segment{}, false, nil
	}
	if envAssignment.MatchString(words[0].text) {
		name, _, _ := strings.Cut(words[0].text, "=")
		return segment{}, false, syntaxError("environment assignment " + name)
	}
	seg := segment{executable: words[0].text}
	for _, w := range words[1:] {
		seg.args = append(seg.args, w.text)
	}
	seg.operands = append(append([]operand(nil), words[1:]...), inputs...)
	return seg, true, nil
}

type syntaxErr struct{ what string }

func (e syntaxErr) Error() string { return e.what }
func (e syntaxErr) Unwrap() error { return errCommandSyntax }

func syntaxError(what string) error { return syntaxErr{what: what} }

// dangerousPatterns match whole command lines that are destructive no matter
// which executable appears first.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*\s+-[a-z]*f[a-z]*|-[a-z]*f[a-z]*\s+-[a-z]*r[a-z]*|-[a-z]*rf[a-z]*|-[a-z]*fr[a-z]*)\s+(/|~)`),
	regexp.MustCompile(`(?i)--no-preserve-root`),
	regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`),
	regexp.MustCompile(`(?i)\bdd\s+if=`),
	regexp.MustCompile(`:\(\)\s*\{.*\|.*&\s*\}\s*;`),
	regexp.MustCompile(`(?i)\bformat\s+[a-z]:`),
	regexp.MustCompile(`(?i)\bdel\s+/[a-z]\s+/[a-z]\s+/[a-z]`),
}

var highRiskCommands = map[string]struct{}{
	"rm": {}, "mkfs": {}, "dd": {}, "shred": {}, "wipefs": {},
	"shutdown": {}, "reboot": {}, "halt": {}, "poweroff": {}, "init": {},
	"sudo": {}, "su": {}, "doas": {}, "chown": {}, "chmod": {}, "chgrp": {},
	"useradd": {}, "userdel": {}, "usermod": {}, "passwd": {},
	"mount": {}, "umount": {}, "iptables": {}, "ufw": {}, "firewall-cmd": {},
	"curl": {}, "wget": {}, "nc": {}, "ncat": {}, "netcat": {},
	"scp": {}, "ssh": {}, "sftp": {}, "ftp": {}, "telnet": {}, "rsync": {},
	"kill": {}, "killall": {}, "pkill": {}, "crontab": {}, "systemctl": {},
	"eval": {}, "exec": {}, "sh": {}, "bash": {}, "zsh": {},
}

var mediumRiskCommands = map[string]struct{}{
	"touch": {}, "mkdir": {}, "mv": {}, "cp": {}, "ln": {}, "rmdir": {},
	"tee": {}, "sed": {}, "patch": {}, "tar": {}, "unzip": {}, "make": {},
}

// mutating subcommands of version-control and package tools.
var mediumRiskSubcommands = map[string]map[string]struct{}{
	"git": setOf("commit", "push", "pull", "reset", "clean", "rebase", "merge",
		"cherry-pick", "checkout", "switch", "restore", "rm", "mv", "tag", "branch",
		"stash", "am", "apply", "init", "clone", "fetch", "config", "revert"),
	"npm":   setOf("install", "i", "ci", "uninstall", "remove", "update", "publish", "run", "exec", "link"),
	"pnpm":  setOf("install", "i", "add", "remove", "update", "publish", "run", "exec"),
	"yarn":  setOf("install", "add", "remove", "upgrade", "publish", "run"),
	"cargo": setOf("install", "uninstall", "add", "remove", "update", "publish", "run", "build", "test", "clean"),
	"pip":   setOf("install", "uninstall", "download"),
	"pip3":  setOf("install", "uninstall", "download"),
	"go":    setOf("get", "install", "run", "build", "test", "generate", "mod"),
}

func setOf(items ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		out[item] = struct{}{}
	}
	return out
}

// CommandRisk classifies a shell line. Lines that cannot be parsed are high
// risk.
func CommandRisk(line string) Risk {
	for _, pat := range dangerousPatterns {
		if pat.MatchString(line) {
			return RiskHigh
		}
	}
	segments, err := splitCommandLine(line, nil)
	if err != nil {
		return RiskHigh
	}

	risk := RiskLow
	for _, seg := range segments {
		if r := segmentRisk(seg); r > risk {
			risk = r
		}
	}
	return risk
}

func segmentRisk(seg segment) Risk {
	name := strings.ToLower(filepath.Base(seg.executable))
	if _, ok := highRiskCommands[name]; ok {
		return RiskHigh
	}
	if _, ok := mediumRiskCommands[name]; ok {
		return RiskMedium
	}
	if subs, ok := mediumRiskSubcommands[name]; ok {
		for _, arg := range seg.args {
			if strings.HasPrefix(arg, "-") {
				continue
			}
			if _, mutating := subs[arg]; mutating {
				return RiskMedium
			}
			break
		}
	}
	if name == "find" {
		for _, arg := range seg.args {
			if arg == "-delete" || arg == "-exec" || arg == "-execdir" {
				return RiskHigh
			}
		}
	}
	return RiskLow
}
