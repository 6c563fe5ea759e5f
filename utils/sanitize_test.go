package utils

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeBody(t *testing.T) {
	testCases := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"Plain Text", "hello world", 0, "hello world"},
		{"Trims Whitespace", "  hello \n", 0, "hello"},
		{"Escapes Reserved", `<b>"hi"</b> it's`, 0, "&lt;b&gt;&quot;hi&quot;&lt;&#x2F;b&gt; it&#x27;s"},
		{"Greentext Kept As Text", ">test\nworld", 0, "&gt;test\nworld"},
		{"Ampersand Untouched", "fish & chips", 0, "fish & chips"},
		{"Truncates By Character", "héllo wörld", 5, "héllo"},
		{"Truncation Then Trim", "abc   def", 5, "abc"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeBody(tc.input, tc.maxLen); got != tc.want {
				t.Errorf("SanitizeBody(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}

	t.Run("Default Limit", func(t *testing.T) {
		got := SanitizeBody(strings.Repeat("ab", 6000), 0)
		if n := utf8.RuneCountInString(got); n != 10000 {
			t.Errorf("Expected 10000 characters, got %d", n)
		}
	})
}

// TestSanitizeBodyIdempotent checks that a second pass changes nothing.
func TestSanitizeBodyIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"plain",
		`<script>alert("x")</script>`,
		"&lt;already escaped&gt;",
		"a/b/c 'quoted' \"double\"",
		"&amp;lt; tricky &#x2F;",
		">>123 reply\n>quote",
		"   padded   ",
	}
	// Every printable ASCII character on its own and together.
	var all strings.Builder
	for c := byte(0x20); c < 0x7f; c++ {
		inputs = append(inputs, string(c))
		all.WriteByte(c)
	}
	inputs = append(inputs, all.String())

	for _, in := range inputs {
		once := SanitizeBody(in, 0)
		if twice := SanitizeBody(once, 0); twice != once {
			t.Errorf("Not idempotent for %q: %q then %q", in, once, twice)
		}
	}

	t.Run("Near Limit", func(t *testing.T) {
		in := strings.Repeat("<", 20)
		once := SanitizeBody(in, 10)
		if twice := SanitizeBody(once, 10); twice != once {
			t.Errorf("Not idempotent at the length limit: %q then %q", once, twice)
		}
	})
}

func TestSanitizeSubject(t *testing.T) {
	if _, ok := SanitizeSubject("   "); ok {
		t.Error("Expected whitespace-only subject to be omitted")
	}
	if _, ok := SanitizeSubject(""); ok {
		t.Error("Expected empty subject to be omitted")
	}
	got, ok := SanitizeSubject(" <hello> ")
	if !ok || got != "&lt;hello&gt;" {
		t.Errorf("Expected escaped subject, got %q (%v)", got, ok)
	}
	long, _ := SanitizeSubject(strings.Repeat("x", 300))
	if n := utf8.RuneCountInString(long); n != 100 {
		t.Errorf("Expected subject truncated to 100 characters, got %d", n)
	}
}

func TestSanitizeFilename(t *testing.T) {
	testCases := []struct {
		input string
		want  string
	}{
		{"photo.jpg", "photo.jpg"},
		{"../../etc/passwd", "etcpasswd"},
		{"my photo (1).png", "myphoto1.png"},
		{"...", "."},
		{"....jpg", ".jpg"},
		{"", "unnamed"},
		{"日本語", "unnamed"},
		{"a-b_c.d", "a-b_c.d"},
	}
	for _, tc := range testCases {
		if got := SanitizeFilename(tc.input); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
	if got := SanitizeFilename(strings.Repeat("a", 400)); len(got) != 255 {
		t.Errorf("Expected 255 characters, got %d", len(got))
	}
}

func TestIsSuspicious(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  bool
	}{
		{"Normal Post", "Has anyone tried the new compiler release?", false},
		{"Short Link", "see https://go.dev/doc", false},
		{"Spam Keyword", "cheap VIAGRA here", true},
		{"Trading Bot", "best crypto auto trading bot ever", true},
		{"Click Here", "click right here now", true},
		{"Overlong URL", "https://example.com/" + strings.Repeat("x", 60), true},
		{"Repeated Character", "lo" + strings.Repeat("o", 15) + "l", true},
		{"Ten Repeats Allowed", strings.Repeat("a", 10), false},
		{"Blank Lines Allowed", "a" + strings.Repeat("\n", 30) + "b", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsSuspicious(tc.input); got != tc.want {
				t.Errorf("IsSuspicious(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}
