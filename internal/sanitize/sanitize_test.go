package sanitize

import (
	"strings"
	"testing"
)

func TestPlainTextStripsMarkup(t *testing.T) {
	t.Parallel()

	raw := `<div class="obit">
	  <script>track();</script>
	  <style>.x{color:red}</style>
	  <p>VANCE, Eleanor.</p>
	  <p>Died March&nbsp;14, 2026, in <b>Portland</b>.</p>
	</div>`

	got := PlainText(raw)
	if strings.Contains(got, "track()") || strings.Contains(got, "color:red") {
		t.Errorf("script/style content leaked: %q", got)
	}
	if strings.Contains(got, "<") || strings.Contains(got, ">") {
		t.Errorf("markup leaked: %q", got)
	}
	if !strings.Contains(got, "Died March 14, 2026, in Portland.") {
		t.Errorf("prose mangled: %q", got)
	}
	if !strings.Contains(got, "VANCE, Eleanor.\n") {
		t.Errorf("paragraph boundary lost: %q", got)
	}
}

func TestPlainTextPassthrough(t *testing.T) {
	t.Parallel()

	raw := "VANCE, Eleanor.  Died March 14,   2026."
	got := PlainText(raw)
	if got != "VANCE, Eleanor. Died March 14, 2026." {
		t.Errorf("got %q", got)
	}
}

func TestPlainTextCollapsesBlankLines(t *testing.T) {
	t.Parallel()

	raw := "line one\n\n\n\n\nline two"
	got := PlainText(raw)
	if got != "line one\n\nline two" {
		t.Errorf("got %q", got)
	}
}

func TestPlainTextEmptyInput(t *testing.T) {
	t.Parallel()

	if got := PlainText("   \n\t  "); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}
