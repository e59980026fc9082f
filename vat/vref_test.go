package vat

import "testing"

func TestParseVref(t *testing.T) {
	cases := []struct {
		in   string
		want Vref
	}{
		{"o+0", Vref{Type: ObjectRef, ID: 0}},
		{"o+1", Vref{Type: ObjectRef, ID: 1}},
		{"o-10", Vref{Type: ObjectRef, Kernel: true, ID: 10}},
		{"o+v42", Vref{Type: ObjectRef, Virtual: true, ID: 42}},
		{"p+5", Vref{Type: PromiseRef, ID: 5}},
		{"p-3", Vref{Type: PromiseRef, Kernel: true, ID: 3}},
		{"d-7", Vref{Type: DeviceRef, Kernel: true, ID: 7}},
	}
	for _, c := range cases {
		got, err := ParseVref(c.in)
		if err != nil {
			t.Errorf("ParseVref(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseVref(%q) = %+v, want %+v", c.in, got, c.want)
		}
		if s := got.String(); s != c.in {
			t.Errorf("round trip of %q = %q", c.in, s)
		}
	}
}

func TestParseVrefErrors(t *testing.T) {
	bad := []string{"", "o", "o+", "x+1", "o*1", "o+abc", "p+v3", "o-v4", "d+v1"}
	for _, in := range bad {
		if _, err := ParseVref(in); err == nil {
			t.Errorf("ParseVref(%q) succeeded, want error", in)
		}
	}
}
