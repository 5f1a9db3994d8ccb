package secret

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func TestSecretNeverRenders(t *testing.T) {
	s := New("ya29.super-sensitive-access-token")

	outputs := []string{
		fmt.Sprint(s),
		fmt.Sprintf("%s", s),
		fmt.Sprintf("%v", s),
		fmt.Sprintf("%+v", s),
		fmt.Sprintf("%#v", s),
		fmt.Sprintf("%q", s),
		fmt.Sprintf("%x", s),
		fmt.Sprintf("%v", struct{ Token Secret }{s}),
		fmt.Sprintf("%+v", &struct{ Token Secret }{s}),
	}
	for _, out := range outputs {
		if strings.Contains(out, "super-sensitive") {
			t.Fatalf("secret leaked through fmt: %q", out)
		}
	}

	data, err := json.Marshal(map[string]Secret{"access_token": s})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "super-sensitive") {
		t.Fatalf("secret leaked through json: %s", data)
	}

	if s.Reveal() != "ya29.super-sensitive-access-token" {
		t.Fatalf("Reveal() = %q", s.Reveal())
	}
}

func TestSecretMask(t *testing.T) {
	if got := New("short").Mask(); got != "[REDACTED]" {
		t.Errorf("Mask(short) = %q", got)
	}
	if got := New("0123456789abcdefghijWXYZ").Mask(); got != "...WXYZ" {
		t.Errorf("Mask(long) = %q", got)
	}
	if got := New("").String(); got != "" {
		t.Errorf("empty String() = %q", got)
	}
}
