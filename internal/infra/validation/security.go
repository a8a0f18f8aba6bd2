package validation

import (
	"fmt"
	"regexp"

	"orchd/internal/domain"
)

// denyRule is one pattern a generated script must never contain.
// Matching any rule is a hard stop: a security rejection is never
// repaired, since the script has already demonstrated intent the
// repair loop must not launder.
type denyRule struct {
	name    string
	pattern *regexp.Regexp
}

var denyRules = []denyRule{
	{"host-import", regexp.MustCompile(`"(?:os|os/[a-z]+|net|net/[a-z]+|syscall|unsafe|plugin|reflect|runtime/[a-z]+|io/ioutil|path/filepath|debug/[a-z]+)"`)},
	{"syscall-access", regexp.MustCompile(`\bsyscall\s*\.`)},
	{"unsafe-access", regexp.MustCompile(`\bunsafe\s*\.`)},
	{"host-reflection", regexp.MustCompile(`\breflect\s*\.`)},
	{"dynamic-load", regexp.MustCompile(`\bplugin\s*\.\s*Open`)},
	{"process-exec", regexp.MustCompile(`\bexec\s*\.\s*(?:Command|Run|Start)`)},
	{"linker-directive", regexp.MustCompile(`//go:(?:linkname|cgo_import_dynamic)`)},
	{"dynamic-eval", regexp.MustCompile(`\b(?:interp|yaegi)\s*\.`)},
	{"env-access", regexp.MustCompile(`\bos\s*\.\s*(?:Getenv|Environ|Setenv)`)},
}

// ScanSecurity checks the script body against the deny rules.
func ScanSecurity(script domain.GeneratedScript) error {
	for _, rule := range denyRules {
		if rule.pattern.MatchString(script.Source) {
			return domain.E(domain.CodePermissionDenied, "validation.ScanSecurity",
				fmt.Sprintf("denied construct %q present", rule.name), domain.ErrSecurityViolation)
		}
	}
	return nil
}
