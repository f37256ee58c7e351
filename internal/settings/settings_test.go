package settings

import (
	"strings"
	"testing"
	"time"
)

func TestParseOverridesDefaults(t *testing.T) {
	input := "server\t10.0.0.5:35481\nstreams\t16\nboth\ttrue\nload_duration\t8s\n"
	got, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Server != "10.0.0.5:35481" {
		t.Fatalf("Server = %q", got.Server)
	}
	if got.Streams != 16 {
		t.Fatalf("Streams = %d, want 16", got.Streams)
	}
	if !got.Both {
		t.Fatalf("Both = false, want true")
	}
	if got.LoadDuration != 8*time.Second {
		t.Fatalf("LoadDuration = %v, want 8s", got.LoadDuration)
	}
	// untouched keys keep their defaults
	def := Defaults()
	if got.GraceDuration != def.GraceDuration || got.History != def.History {
		t.Fatalf("untouched defaults changed: %+v", got)
	}
}

func TestParseIgnoresUnknownKeysCommentsAndBlankLines(t *testing.T) {
	input := "# a comment\n\nserver\t127.0.0.1\nnot_a_real_key\tvalue\nstreams\t2\n"
	got, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Server != "127.0.0.1" || got.Streams != 2 {
		t.Fatalf("got %+v", got)
	}
}

func TestParseRejectsMalformedLine(t *testing.T) {
	if _, err := Parse(strings.NewReader("this line has no tab\n")); err == nil {
		t.Fatal("expected error for line without a tab separator")
	}
}

func TestParseRejectsBadValue(t *testing.T) {
	if _, err := Parse(strings.NewReader("streams\tnot-a-number\n")); err == nil {
		t.Fatal("expected error for non-numeric streams value")
	}
}

func TestParseEmptyInputYieldsDefaults(t *testing.T) {
	got, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != Defaults() {
		t.Fatalf("got %+v, want defaults %+v", got, Defaults())
	}
}
