// Package checkpoint scans a live browser page for bot-challenge signals.
// Detection is layered: the page URL is matched against known challenge
// routes first, then the DOM against a selector table, then the rendered
// text against a set of phrases. The first hit wins; a detected challenge
// is terminal for the attempt, there is no click-through logic.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"outrider/internal/domain"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod"
)

// Scan stages, one per semantically meaningful automation step.
const (
	StagePostNavigation = "post_navigation"
	StagePageSettle     = "page_settle"
	StageActionClick    = "action_click"
	StageConfirmation   = "confirmation"
)

// Detection types map onto failure classifications downstream.
const (
	TypeCaptcha            = "captcha"
	TypeSecurityCheckpoint = "security_checkpoint"
	TypeAccountRestricted  = "banned"
)

// challengeURLPatterns trip immediately on navigation; redirects to these
// routes mean the session is already flagged.
var challengeURLPatterns = map[string][]string{
	TypeCaptcha: {
		"/checkpoint/challenge",
		"/captcha",
	},
	TypeSecurityCheckpoint: {
		"/checkpoint/",
		"/authwall",
		"/uas/login",
	},
	TypeAccountRestricted: {
		"/restricted",
		"/account-suspended",
	},
}

var domSelectors = map[string][]string{
	TypeCaptcha: {
		`iframe[src*="recaptcha"]`,
		`.g-recaptcha`,
		`#recaptcha`,
		`[data-sitekey]`,
		`iframe[src*="hcaptcha"]`,
		`.h-captcha`,
		`#hcaptcha`,
		`[data-test-id="captcha-internal"]`,
		`.captcha-container`,
		`#captcha`,
		`.challenge-page`,
		`.security-challenge`,
		`.captcha-challenge`,
		`img[alt*="captcha" i]`,
	},
	TypeSecurityCheckpoint: {
		`.security-checkpoint`,
		`.checkpoint-challenge`,
		`.identity-verification`,
		`.account-verification`,
		`.suspicious-login`,
		`[data-test-id="checkpoint"]`,
		`.verification-challenge`,
		`input[type="tel"]`,
		`.phone-verification`,
		`.challenge-stepup-phone`,
	},
	TypeAccountRestricted: {
		`.account-restricted`,
		`.temporary-restriction`,
		`.account-limitation`,
		`.restriction-notice`,
		`.account-suspended`,
	},
}

var textPhrases = map[string][]string{
	TypeCaptcha: {
		"verify you are human",
		"prove you are not a robot",
		"solve the puzzle",
		"complete the security check",
		"i'm not a robot",
	},
	TypeSecurityCheckpoint: {
		"security checkpoint",
		"verify your identity",
		"unusual activity",
		"suspicious activity",
		"verify it's you",
		"verify your phone",
	},
	TypeAccountRestricted: {
		"account has been restricted",
		"temporarily limited",
		"account suspended",
		"violating our terms",
	},
}

// scanOrder: the most specific signal first, so a captcha inside a
// checkpoint page classifies as captcha.
var scanOrder = []string{TypeCaptcha, TypeAccountRestricted, TypeSecurityCheckpoint}

func severityFor(detectionType string) string {
	switch detectionType {
	case TypeAccountRestricted:
		return "critical"
	case TypeCaptcha:
		return "high"
	default:
		return "medium"
	}
}

// Scanner inspects pages for challenge signals and archives evidence
// screenshots when it finds any.
type Scanner struct {
	screenshotDir string
}

func NewScanner(screenshotDir string) *Scanner {
	return &Scanner{screenshotDir: screenshotDir}
}

// Scan runs one layered detection pass. It never returns an error: a scan
// that cannot read the page reports nothing detected, because aborting an
// automation over a broken scan would be worse than missing one signal.
func (s *Scanner) Scan(page *rod.Page, jobID uint64, stage string) domain.CheckpointEvent {
	pageURL := currentURL(page)

	if event, ok := s.scanURL(pageURL, stage); ok {
		s.archive(page, jobID, &event)
		return event
	}
	if event, ok := s.scanDOM(page, pageURL, stage); ok {
		s.archive(page, jobID, &event)
		return event
	}
	if event, ok := s.scanText(page, pageURL, stage); ok {
		s.archive(page, jobID, &event)
		return event
	}

	return domain.CheckpointEvent{Detected: false, Stage: stage, PageURL: pageURL}
}

func (s *Scanner) scanURL(pageURL, stage string) (domain.CheckpointEvent, bool) {
	lower := strings.ToLower(pageURL)
	for _, detectionType := range scanOrder {
		for _, pattern := range challengeURLPatterns[detectionType] {
			if strings.Contains(lower, pattern) {
				return domain.CheckpointEvent{
					Detected:        true,
					Type:            detectionType,
					DetectionMethod: "url_pattern:" + pattern,
					Stage:           stage,
					PageURL:         pageURL,
					Severity:        severityFor(detectionType),
				}, true
			}
		}
	}
	return domain.CheckpointEvent{}, false
}

func (s *Scanner) scanDOM(page *rod.Page, pageURL, stage string) (domain.CheckpointEvent, bool) {
	for _, detectionType := range scanOrder {
		for _, selector := range domSelectors[detectionType] {
			found, _, err := page.Has(selector)
			if err != nil {
				log.Debug("checkpoint selector failed", "selector", selector, "err", err)
				continue
			}
			if found {
				return domain.CheckpointEvent{
					Detected:        true,
					Type:            detectionType,
					DetectionMethod: "dom_selector:" + selector,
					Stage:           stage,
					PageURL:         pageURL,
					Severity:        severityFor(detectionType),
				}, true
			}
		}
	}
	return domain.CheckpointEvent{}, false
}

func (s *Scanner) scanText(page *rod.Page, pageURL, stage string) (domain.CheckpointEvent, bool) {
	text, err := pageText(page)
	if err != nil {
		log.Debug("checkpoint text read failed", "err", err)
		return domain.CheckpointEvent{}, false
	}

	lower := strings.ToLower(text)
	for _, detectionType := range scanOrder {
		for _, phrase := range textPhrases[detectionType] {
			if strings.Contains(lower, phrase) {
				return domain.CheckpointEvent{
					Detected:        true,
					Type:            detectionType,
					DetectionMethod: "text_phrase:" + phrase,
					Stage:           stage,
					PageURL:         pageURL,
					Severity:        severityFor(detectionType),
				}, true
			}
		}
	}
	return domain.CheckpointEvent{}, false
}

// archive captures a full-page screenshot next to the detection so an
// operator can verify the challenge later. Failure to capture is logged and
// the event kept without a reference.
func (s *Scanner) archive(page *rod.Page, jobID uint64, event *domain.CheckpointEvent) {
	log.Warn("bot challenge detected",
		"job_id", jobID, "type", event.Type, "stage", event.Stage,
		"method", event.DetectionMethod, "url", event.PageURL)

	if s.screenshotDir == "" {
		return
	}

	data, err := page.Screenshot(true, nil)
	if err != nil {
		log.Error("challenge screenshot capture failed", "job_id", jobID, "err", err)
		return
	}

	if err := os.MkdirAll(s.screenshotDir, 0o755); err != nil {
		log.Error("create screenshot directory failed", "err", err)
		return
	}

	filename := fmt.Sprintf("challenge-%s-%d-%d.png", event.Type, jobID, time.Now().UnixMilli())
	path := filepath.Join(s.screenshotDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Error("challenge screenshot write failed", "path", path, "err", err)
		return
	}
	event.ScreenshotRef = path
}

func currentURL(page *rod.Page) string {
	info, err := page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func pageText(page *rod.Page) (string, error) {
	result, err := page.Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return "", err
	}
	return result.Value.Str(), nil
}
