package bin

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddrSet(t *testing.T) {
	golden := []struct {
		in   string
		want Addr
		err  bool
	}{
		{in: "0x401000", want: 0x401000},
		{in: "0X10", want: 0x10},
		{in: "4096", want: 0x1000},
		{in: "0xFFFFFFFF00000000", want: 0xFFFFFFFF00000000},
		{in: "0x", err: true},
		{in: "sub_401000", err: true},
	}
	for _, g := range golden {
		var got Addr
		err := got.Set(g.in)
		if g.err {
			if err == nil {
				t.Errorf("%q: expected error, got none", g.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error; %v", g.in, err)
			continue
		}
		if got != g.want {
			t.Errorf("%q: address mismatch; expected %v, got %v", g.in, g.want, got)
		}
	}
}

func TestAddrString(t *testing.T) {
	if got, want := Addr(0x1000).String(), "0x00001000"; got != want {
		t.Errorf("string mismatch; expected %q, got %q", want, got)
	}
	if got, want := Addr(0x140001000).String(), "0x140001000"; got != want {
		t.Errorf("string mismatch; expected %q, got %q", want, got)
	}
	if got, want := Addr(0xFFFFFFFF80001000).String(), "0xFFFFFFFF80001000"; got != want {
		t.Errorf("string mismatch; expected %q, got %q", want, got)
	}
}

func TestAddrJSON(t *testing.T) {
	var v struct {
		Funcs []Addr `json:"funcs"`
	}
	if err := json.Unmarshal([]byte(`{"funcs": ["0x2000", "0x1000", "0x1010"]}`), &v); err != nil {
		t.Fatalf("unable to unmarshal addresses; %v", err)
	}
	sort.Sort(Addrs(v.Funcs))
	want := []Addr{0x1000, 0x1010, 0x2000}
	if diff := cmp.Diff(want, v.Funcs); diff != "" {
		t.Errorf("address mismatch (-want +got):\n%s", diff)
	}
	buf, err := json.Marshal(v.Funcs[0])
	if err != nil {
		t.Fatalf("unable to marshal address; %v", err)
	}
	if got, want := string(buf), `"0x00001000"`; got != want {
		t.Errorf("JSON mismatch; expected %s, got %s", want, got)
	}
}
