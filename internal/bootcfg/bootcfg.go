// Package bootcfg parses the kernel boot command line (spec.md §6). No
// flag-parsing library in the retrieved example pack (spf13/pflag,
// spf13/cobra) models bare, non-dash-prefixed "key=value" and plain-word
// tokens with a literal "--" passthrough separator — every one of them
// assumes "-x"/"--x" prefixed flags. That grammar mismatch is the one place
// this repo is stdlib-only by necessity; see DESIGN.md.
package bootcfg

// Recognized boot keys (spec.md §6).
const (
	KeyInit      = "init"
	KeyRoot      = "root"
	KeyConsole   = "console"
	KeyLogLevel  = "loglevel"
)

// Recognized boot flags (spec.md §6).
const (
	FlagQuiet   = "quiet"
	FlagRing3   = "ring3"
	FlagNoKASLR = "nokaslr"
	FlagSingle  = "single"
	FlagNoAPIC  = "noapic"
	FlagNoSMP   = "nosmp"
)

var recognizedKeys = map[string]bool{
	KeyInit: true, KeyRoot: true, KeyConsole: true, KeyLogLevel: true,
}

var recognizedFlags = map[string]bool{
	FlagQuiet: true, FlagRing3: true, FlagNoKASLR: true,
	FlagSingle: true, FlagNoAPIC: true, FlagNoSMP: true,
}

// CmdLine is the parsed result of the kernel command line.
type CmdLine struct {
	Raw       []string // the tokens as given to Parse, for /proc/cmdline (spec.md §6)
	ImagePath string
	Keys      map[string]string
	Flags     map[string]bool
	// InitArgv/InitEnv collect unrecognized tokens that belong to init,
	// per spec.md §6: unknown key=value before "--" becomes environment,
	// unknown plain tokens before "--" becomes argv, and everything after
	// "--" is forwarded to init verbatim (argv).
	InitArgv []string
	InitEnv  []string
}

// Parse tokenizes a raw command line into a CmdLine. The first token is
// always the kernel image path and is skipped per spec.md §6.
func Parse(raw []string) CmdLine {
	cl := CmdLine{
		Raw:   raw,
		Keys:  map[string]string{},
		Flags: map[string]bool{},
	}
	if len(raw) == 0 {
		return cl
	}
	cl.ImagePath = raw[0]
	tokens := raw[1:]

	forwarding := false
	for _, tok := range tokens {
		if !forwarding && tok == "--" {
			forwarding = true
			continue
		}
		if forwarding {
			cl.InitArgv = append(cl.InitArgv, tok)
			continue
		}
		if key, val, ok := splitKV(tok); ok {
			if recognizedKeys[key] {
				cl.Keys[key] = val
			} else {
				cl.InitEnv = append(cl.InitEnv, tok)
			}
			continue
		}
		if recognizedFlags[tok] {
			cl.Flags[tok] = true
			continue
		}
		cl.InitArgv = append(cl.InitArgv, tok)
	}
	return cl
}

func splitKV(tok string) (key, val string, ok bool) {
	for i := 0; i < len(tok); i++ {
		if tok[i] == '=' {
			return tok[:i], tok[i+1:], true
		}
	}
	return "", "", false
}
