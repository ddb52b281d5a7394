package authority

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		want    Authority
		wantErr bool
	}{
		{in: "dev@example.com", want: Authority{User: "dev", Host: "example.com", Port: 22}},
		{in: "dev@example.com:2222", want: Authority{User: "dev", Host: "example.com", Port: 2222}},
		{in: "dev@10.0.0.5:22", want: Authority{User: "dev", Host: "10.0.0.5", Port: 22}},
		{in: "", wantErr: true},
		{in: "dev@host:notaport", wantErr: true},
		{in: "dev@host:0", wantErr: true},
		{in: "dev@", wantErr: true},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestParseDefaultsUser(t *testing.T) {
	t.Setenv("USER", "alex")
	got, err := Parse("example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.User != "alex" {
		t.Errorf("user = %q, want env fallback", got.User)
	}
	if got.Host != "example.com" || got.Port != 22 {
		t.Errorf("got = %+v", got)
	}
}

func TestString(t *testing.T) {
	a := Authority{User: "dev", Host: "h", Port: 2200}
	if a.String() != "dev@h:2200" {
		t.Errorf("String = %q", a.String())
	}
	if a.Addr() != "h:2200" {
		t.Errorf("Addr = %q", a.Addr())
	}
}
