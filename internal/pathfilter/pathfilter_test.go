package pathfilter

import (
	"strings"
	"testing"
)

func mustParse(t *testing.T, spec string) *Filter {
	t.Helper()
	f, err := Parse(spec)
	if err != nil {
		t.Fatalf("Parse(%q): %v", spec, err)
	}
	return f
}

func TestCheckDefaultsToAllow(t *testing.T) {
	f := mustParse(t, "")
	if got := f.Check("anything/at/all"); got != Allow {
		t.Errorf("empty filter: got %v, want Allow", got)
	}
}

func TestCheckFirstMatchWins(t *testing.T) {
	f := mustParse(t, strings.Join([]string{
		"-* *.log",
		"+* important.log",
	}, "\n"))
	if got := f.Check("important.log"); got != Deny {
		t.Errorf("first rule should win even though a later rule would allow: got %v, want Deny", got)
	}
}

func TestGlobDoesNotCrossSlash(t *testing.T) {
	f := mustParse(t, "-* *.tmp")
	if got := f.Check("build/output.tmp"); got != Allow {
		t.Errorf("glob `*` must not cross a path separator: got %v, want Allow", got)
	}
	if got := f.Check("output.tmp"); got != Deny {
		t.Errorf("Check(output.tmp) = %v, want Deny", got)
	}
}

func TestRegexRule(t *testing.T) {
	f := mustParse(t, `-~ ^cache/.*\.bin$`)
	if got := f.Check("cache/foo.bin"); got != Deny {
		t.Errorf("Check(cache/foo.bin) = %v, want Deny", got)
	}
	if got := f.Check("cache/foo.txt"); got != Allow {
		t.Errorf("Check(cache/foo.txt) = %v, want Allow", got)
	}
}

func TestCommentsAndBlankLinesIgnored(t *testing.T) {
	f := mustParse(t, "# comment\n\n-* *.log\n")
	if got := f.Check("x.log"); got != Deny {
		t.Errorf("Check(x.log) = %v, want Deny", got)
	}
}

func TestParseRejectsBadSign(t *testing.T) {
	if _, err := Parse("?* *.log"); err == nil {
		t.Error("expected error for invalid sign character")
	}
}

func TestParseRejectsBadKind(t *testing.T) {
	if _, err := Parse("+x *.log"); err == nil {
		t.Error("expected error for invalid kind character")
	}
}

func TestParseRejectsMissingSeparatorSpace(t *testing.T) {
	if _, err := Parse("+*no-space-after-kind"); err == nil {
		t.Error("expected error when kind is not followed by a single space")
	}
}

func TestParseRejectsBadRegex(t *testing.T) {
	if _, err := Parse("-~ (unclosed"); err == nil {
		t.Error("expected error for invalid regex")
	}
}

func TestEscapedTrailingSpacePreserved(t *testing.T) {
	f := mustParse(t, `-* trailing\ `)
	if got := f.Check("trailing "); got != Deny {
		t.Errorf("Check(\"trailing \") = %v, want Deny (escaped trailing space must survive)", got)
	}
}

func TestBackslashPathsNormalizedToSlash(t *testing.T) {
	f := mustParse(t, "-* *.log")
	if got := f.Check(`dir\x.log`); got != Allow {
		t.Errorf(`Check("dir\x.log") = %v, want Allow (glob must not cross normalized separator)`, got)
	}
}
