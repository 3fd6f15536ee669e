package shellformat

import "testing"

func TestJoin(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want string
	}{
		{
			name: "plain args",
			argv: []string{"claude", "--project", "demo"},
			want: "claude --project demo",
		},
		{
			name: "arg with spaces",
			argv: []string{"claude", "--prompt", "fix the build"},
			want: "claude --prompt 'fix the build'",
		},
		{
			name: "arg with single quote",
			argv: []string{"echo", "it's"},
			want: `echo "it's"`,
		},
		{
			name: "empty argv",
			argv: nil,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Join(tt.argv)
			if err != nil {
				t.Fatalf("Join: %v", err)
			}
			if got != tt.want {
				t.Errorf("Join = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "empty input",
			input: "   \n\t ",
			want:  "",
		},
		{
			name:  "simple command unchanged",
			input: "claude --project demo",
			want:  "claude --project demo",
		},
		{
			name:  "parse error returns input",
			input: "echo 'unterminated",
			want:  "echo 'unterminated",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.input); got != tt.want {
				t.Errorf("Format = %q, want %q", got, tt.want)
			}
		})
	}
}
