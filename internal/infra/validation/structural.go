package validation

import (
	"fmt"
	"regexp"
	"strings"

	"orchd/internal/domain"
	"orchd/internal/infra/sandbox"
)

var entryPointPattern = regexp.MustCompile(`(?m)^func\s+(\w+)\s*\(\s*\w+\s+map\[string\]any\s*\)\s*\(\s*any\s*,\s*error\s*\)`)

// CheckStructure verifies the script text is well formed: non-empty,
// declares package main, and defines exactly one entry point with the
// expected signature. It is purely textual; no interpreter ever sees
// the script before the security scan has passed.
func CheckStructure(script domain.GeneratedScript) error {
	const op = "validation.CheckStructure"
	if strings.TrimSpace(script.Source) == "" {
		return domain.E(domain.CodeFailedPrecond, op, "empty script", domain.ErrStructural)
	}
	if !strings.Contains(script.Source, "package main") {
		return domain.E(domain.CodeFailedPrecond, op, "script must declare package main", domain.ErrStructural)
	}

	entry := script.EntryPoint
	if entry == "" {
		entry = sandbox.EntryPoint
	}
	var found int
	for _, m := range entryPointPattern.FindAllStringSubmatch(script.Source, -1) {
		if m[1] == entry {
			found++
		}
	}
	switch {
	case found == 0:
		return domain.E(domain.CodeFailedPrecond, op,
			fmt.Sprintf("entry point %s not defined", entry), domain.ErrStructural)
	case found > 1:
		return domain.E(domain.CodeFailedPrecond, op,
			fmt.Sprintf("entry point %s defined %d times", entry, found), domain.ErrStructural)
	}
	return nil
}
