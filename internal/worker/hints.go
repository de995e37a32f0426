package worker

import "strings"

// extractErrorHint infers a human-readable hint from the CAD engine's output.
// Substring matching over lowercased combined output; first match wins, so
// order the specific patterns before the generic ones.
func extractErrorHint(stdoutText, stderrText string) string {
	text := strings.ToLower(stdoutText + "\n" + stderrText)

	switch {
	case strings.Contains(text, "modulenotfounderror"), strings.Contains(text, "no module named"):
		return "ImportError: missing module. Verify the helper module and workbench imports, or the script search path."
	case strings.Contains(text, "attributeerror") && strings.Contains(text, "maketub"):
		return "AttributeError: Part.makeTub missing. Ensure the helper module patch is loaded."
	case strings.Contains(text, "permission denied"):
		return "Permission issue writing outputs. Verify container paths and permissions."
	case strings.Contains(text, "traceback") && strings.Contains(text, "export") && strings.Contains(text, ".step"):
		return "STEP export failed. Ensure shapes are valid solids and export path exists."
	case strings.Contains(text, "wkhtmltopdf") && strings.Contains(text, "not found"):
		return "wkhtmltopdf missing. PDF generation may fail; check worker image deps."
	case strings.Contains(text, "precision") && strings.Contains(text, "approximation"):
		return "CAD engine Precision API mismatch. Ensure version compatibility fixes are applied."
	default:
		return "See stdout_tail/stderr_tail for details."
	}
}

// tailLines returns up to the last n lines of s
func tailLines(s string, n int) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
