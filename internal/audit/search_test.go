package audit

import "testing"

func TestSanitizeFTSQuery(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"single word", "hello", `"hello"`},
		{"multiple words", "hello world", `"hello" "world"`},
		{"embedded quote stripped", `he"llo`, `"hello"`},
		{"quote closing early would inject syntax", `he"llo wor"ld`, `"hello" "world"`},
		{"word that is only quotes drops out", `"""`, ""},
		{"empty query", "", ""},
		{"whitespace only", "   ", ""},
		{"tabs and newlines split like spaces", "hello\tworld\nnew", `"hello" "world" "new"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sanitizeFTSQuery(tc.in); got != tc.want {
				t.Errorf("sanitizeFTSQuery(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
