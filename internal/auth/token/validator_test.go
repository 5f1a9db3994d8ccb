package token

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}

	tests := []struct {
		name      string
		expiresAt *time.Time
		want      Status
	}{
		{"no expiry", nil, StatusUnknownLifetime},
		{"comfortably valid", at(time.Hour), StatusValid},
		{"just outside margin", at(5*time.Minute + time.Second), StatusValid},
		{"exactly at margin", at(5 * time.Minute), StatusExpiringSoon},
		{"just inside margin", at(4*time.Minute + 59*time.Second), StatusExpiringSoon},
		{"exactly at expiry", at(0), StatusExpired},
		{"long expired", at(-time.Hour), StatusExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(Credential{ExpiresAt: tt.expiresAt}, now)
			if got != tt.want {
				t.Fatalf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStatusUsable(t *testing.T) {
	usable := map[Status]bool{
		StatusValid:           true,
		StatusUnknownLifetime: true,
		StatusExpiringSoon:    false,
		StatusExpired:         false,
	}
	for status, want := range usable {
		if got := status.Usable(); got != want {
			t.Errorf("%s.Usable() = %v, want %v", status, got, want)
		}
	}
}
