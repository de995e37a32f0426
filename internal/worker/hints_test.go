package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractErrorHint(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		stderr string
		want   string
	}{
		{
			name:   "missing module",
			stderr: "ModuleNotFoundError: No module named 'Part'",
			want:   "ImportError: missing module. Verify the helper module and workbench imports, or the script search path.",
		},
		{
			name:   "no module named variant",
			stdout: "ImportError: no module named sheetmetal",
			want:   "ImportError: missing module. Verify the helper module and workbench imports, or the script search path.",
		},
		{
			name:   "missing shape helper",
			stderr: "AttributeError: module 'Part' has no attribute 'makeTub'",
			want:   "AttributeError: Part.makeTub missing. Ensure the helper module patch is loaded.",
		},
		{
			name:   "permission denied",
			stderr: "PermissionError: [Errno 13] Permission denied: '/app/storage/out.step'",
			want:   "Permission issue writing outputs. Verify container paths and permissions.",
		},
		{
			name:   "step export failure",
			stdout: "Traceback (most recent call last):\n  export failed for model.step",
			want:   "STEP export failed. Ensure shapes are valid solids and export path exists.",
		},
		{
			name:   "missing pdf tool",
			stderr: "wkhtmltopdf: not found",
			want:   "wkhtmltopdf missing. PDF generation may fail; check worker image deps.",
		},
		{
			name:   "precision api mismatch",
			stderr: "TypeError: Precision.approximation expects no arguments",
			want:   "CAD engine Precision API mismatch. Ensure version compatibility fixes are applied.",
		},
		{
			name:   "unrecognized output falls through",
			stdout: "something unexpected happened",
			want:   "See stdout_tail/stderr_tail for details.",
		},
		{
			name: "empty output falls through",
			want: "See stdout_tail/stderr_tail for details.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractErrorHint(tt.stdout, tt.stderr))
		})
	}
}

func TestTailLines(t *testing.T) {
	assert.Nil(t, tailLines("", 50))
	assert.Equal(t, []string{"one"}, tailLines("one", 50))
	assert.Equal(t, []string{"one", "two"}, tailLines("one\ntwo\n", 50))
	assert.Equal(t, []string{"four", "five"}, tailLines("one\ntwo\nthree\nfour\nfive", 2))
}
