package tcpfs

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		frame string
		want  Kind
	}{
		{`{"State":"DATA"}`, KindMessage},
		{`{`, KindMessage},
		{`["a","b"]`, KindArray},
		{``, KindRaw},
		{` {"State":"DATA"}`, KindRaw},
		{"hello", KindRaw},
		{"\x00\x01", KindRaw},
	}
	for _, c := range cases {
		if got := Classify([]byte(c.frame)); got != c.want {
			t.Errorf("Classify(%q) = %s, want %s", c.frame, got, c.want)
		}
	}
}

func FuzzClassify(f *testing.F) {
	f.Add([]byte(`{}`))
	f.Add([]byte(`[]`))
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, b []byte) {
		k := Classify(b)
		switch {
		case len(b) > 0 && b[0] == '{':
			if k != KindMessage {
				t.Fatalf("got %s for object", k)
			}
		case len(b) > 0 && b[0] == '[':
			if k != KindArray {
				t.Fatalf("got %s for array", k)
			}
		default:
			if k != KindRaw {
				t.Fatalf("got %s for raw frame", k)
			}
		}
	})
}
