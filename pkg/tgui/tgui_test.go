package tgui

import "testing"

func TestEscapingHelpers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		got  H
		want string
	}{
		{"esc", Esc(`<a href="x">&`), "&lt;a href=&#34;x&#34;&gt;&amp;"},
		{"bold", B("a<b"), "<b>a&lt;b</b>"},
		{"code", Code("x&y"), "<code>x&amp;y</code>"},
		{"kv", KV("room", "<alice>"), "<b>room</b>: &lt;alice&gt;"},
		{"lines skip blank", Lines(B("a"), "", " ", Esc("b")), "<b>a</b>\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got.String() != tt.want {
				t.Fatalf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"小费菜单", 2, "小费…"},
		{"abc", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
