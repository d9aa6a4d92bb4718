package checkpoint

import "testing"

func TestScanURLMatchesChallengeRoutes(t *testing.T) {
	scanner := NewScanner("")

	cases := []struct {
		name     string
		url      string
		detected bool
		wantType string
	}{
		{"challenge route", "https://www.linkedin.com/checkpoint/challenge/AgH3", true, TypeCaptcha},
		{"generic checkpoint", "https://www.linkedin.com/checkpoint/lg/login-submit", true, TypeSecurityCheckpoint},
		{"authwall", "https://www.linkedin.com/authwall?trk=x", true, TypeSecurityCheckpoint},
		{"restricted", "https://www.linkedin.com/restricted", true, TypeAccountRestricted},
		{"plain profile", "https://www.linkedin.com/in/someone", false, ""},
		{"empty url", "", false, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, ok := scanner.scanURL(tc.url, StagePostNavigation)
			if ok != tc.detected {
				t.Fatalf("detected = %v, want %v", ok, tc.detected)
			}
			if !tc.detected {
				return
			}
			if event.Type != tc.wantType {
				t.Errorf("type = %q, want %q", event.Type, tc.wantType)
			}
			if event.Stage != StagePostNavigation {
				t.Errorf("stage = %q, want %q", event.Stage, StagePostNavigation)
			}
			if event.Severity == "" {
				t.Error("expected a severity on a detection")
			}
		})
	}
}

func TestCaptchaOutranksCheckpointOnURL(t *testing.T) {
	scanner := NewScanner("")

	// The route matches both the captcha and checkpoint pattern sets; the
	// more specific captcha classification must win.
	event, ok := scanner.scanURL("https://www.linkedin.com/checkpoint/challenge/", StagePageSettle)
	if !ok {
		t.Fatal("expected detection")
	}
	if event.Type != TypeCaptcha {
		t.Errorf("type = %q, want %q", event.Type, TypeCaptcha)
	}
}

func TestSeverityMapping(t *testing.T) {
	if got := severityFor(TypeAccountRestricted); got != "critical" {
		t.Errorf("banned severity = %q, want critical", got)
	}
	if got := severityFor(TypeCaptcha); got != "high" {
		t.Errorf("captcha severity = %q, want high", got)
	}
	if got := severityFor(TypeSecurityCheckpoint); got != "medium" {
		t.Errorf("checkpoint severity = %q, want medium", got)
	}
}
