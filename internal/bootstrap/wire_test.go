package bootstrap

import (
	"errors"
	"strings"
	"testing"
)

func TestParseBlockRoundTrip(t *testing.T) {
	m := NewMarker()
	pairs := map[string]string{
		"exitCode":        "0",
		"listeningOn":     "37201",
		"connectionToken": "b4a1=x=y",
		"logFile":         "/home/u/.devlink-server/.abc.log",
	}
	raw := "motd noise\n" + RenderBlock(m, pairs, []string{"exitCode"}) + "trailing noise\n"

	got, err := ParseBlock(m, raw)
	if err != nil {
		t.Fatal(err)
	}
	for k, want := range pairs {
		if got[k] != want {
			t.Errorf("%s = %q, want %q", k, got[k], want)
		}
	}
}

func TestParseBlockSingleEqualsInValue(t *testing.T) {
	m := Marker("deadbeef")
	raw := m.Start() + "\nlisteningOn==/tmp/sock=1==\n" + m.End() + "\n"
	got, err := ParseBlock(m, raw)
	if err != nil {
		t.Fatal(err)
	}
	if got["listeningOn"] != "/tmp/sock=1" {
		t.Errorf("listeningOn = %q", got["listeningOn"])
	}
}

func TestParseBlockCRLF(t *testing.T) {
	m := Marker("deadbeef")
	raw := m.Start() + "\r\nexitCode==0==\r\nlisteningOn==52000==\r\n" + m.End() + "\r\n"
	got, err := ParseBlock(m, raw)
	if err != nil {
		t.Fatal(err)
	}
	if got["listeningOn"] != "52000" {
		t.Errorf("listeningOn = %q", got["listeningOn"])
	}
}

func TestParseBlockMissingMarkers(t *testing.T) {
	m := Marker("deadbeef")
	for name, raw := range map[string]string{
		"no start": "exitCode==0==\n" + m.End() + "\n",
		"no end":   m.Start() + "\nexitCode==0==\n",
		"empty":    "",
	} {
		if _, err := ParseBlock(m, raw); !errors.Is(err, ErrParse) {
			t.Errorf("%s: err = %v, want ErrParse", name, err)
		}
	}
}

func TestMarkersAreUnique(t *testing.T) {
	a, b := NewMarker(), NewMarker()
	if a == b {
		t.Fatalf("two markers collided: %s", a)
	}
	if strings.Contains(string(a), "-") {
		t.Errorf("marker should be compact: %s", a)
	}
}
