package screening

import (
	"context"
	"log/slog"
	"net"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/parapet-ai/parapet/pkg/jsontree"
)

// Sensitive-data categories reported by the sanitiser.
const (
	CategoryEmail = "email"
	CategoryIPv4  = "ipv4"
	CategoryIBAN  = "iban"
)

// Placeholder tokens substituted in redact mode.
const (
	PlaceholderEmail = "<EMAIL_REDACTED>"
	PlaceholderIPv4  = "<IP_ADDRESS_REDACTED>"
	PlaceholderIBAN  = "<IBAN_REDACTED>"
)

// Mode selects the sanitiser strategy.
type Mode string

const (
	// ModeReject blocks requests containing sensitive data.
	ModeReject Mode = "reject"

	// ModeRedact rewrites detected instances with placeholders and
	// forwards the request.
	ModeRedact Mode = "redact"
)

const detectSystemPrompt = `You are a data-loss-prevention scanner. Examine the user text and extract every email address, IPv4 address, and IBAN it contains. Reply with ONLY a JSON object of the form {"emails":[],"ip_addresses":[],"ibans":[]} listing the exact strings found. Use empty lists when nothing is found.`

// Detection is the validated result of one scan: the exact instances of
// each category found in the text.
type Detection struct {
	Emails      []string `json:"emails"`
	IPAddresses []string `json:"ip_addresses"`
	IBANs       []string `json:"ibans"`
}

// Empty reports whether nothing was detected.
func (d Detection) Empty() bool {
	return len(d.Emails) == 0 && len(d.IPAddresses) == 0 && len(d.IBANs) == 0
}

// Categories returns the category names present, in a fixed order.
func (d Detection) Categories() []string {
	var cats []string
	if len(d.Emails) > 0 {
		cats = append(cats, CategoryEmail)
	}
	if len(d.IPAddresses) > 0 {
		cats = append(cats, CategoryIPv4)
	}
	if len(d.IBANs) > 0 {
		cats = append(cats, CategoryIBAN)
	}
	return cats
}

// Sanitizer detects sensitive identifiers in request bodies. Detection
// is delegated to an LLM; every reported instance is re-validated
// locally before it counts, so a hallucinated match cannot block a
// request. On LLM failure the sanitiser fails open (empty detection).
type Sanitizer struct {
	llm    Completer
	logger *slog.Logger
}

// NewSanitizer creates a sanitiser backed by llm.
func NewSanitizer(llm Completer) *Sanitizer {
	return &Sanitizer{
		llm:    llm,
		logger: slog.Default().With("component", "screening.sanitizer"),
	}
}

// Scan walks every string leaf of tree and returns the validated
// detection for the combined text. The input tree is never mutated, and
// scanning the same tree twice yields the same result (modulo classifier
// determinism).
func (s *Sanitizer) Scan(ctx context.Context, tree jsontree.Value) Detection {
	text := collectLeaves(tree)
	if strings.TrimSpace(text) == "" {
		return Detection{}
	}

	raw, err := s.llm.Complete(ctx, detectSystemPrompt, text)
	if err != nil {
		// Fail open: a broken detector must not take the proxy down.
		s.logger.Warn("sensitive-data detection failed, passing request", "error", err)
		return Detection{}
	}

	return s.validate(raw, text)
}

// validate parses the detector reply and keeps only instances that both
// conform to their category and actually occur in the scanned text.
func (s *Sanitizer) validate(raw, text string) Detection {
	body := extractJSONObject(raw)
	if body == "" || !gjson.Valid(body) {
		s.logger.Warn("detector reply was not JSON, passing request", "reply", truncate(raw, 120))
		return Detection{}
	}

	var d Detection
	for _, item := range gjson.Get(body, "emails").Array() {
		v := strings.TrimSpace(item.String())
		if isEmail(v) && strings.Contains(text, v) {
			d.Emails = append(d.Emails, v)
		}
	}
	for _, item := range gjson.Get(body, "ip_addresses").Array() {
		v := strings.TrimSpace(item.String())
		if isIPv4(v) && strings.Contains(text, v) {
			d.IPAddresses = append(d.IPAddresses, v)
		}
	}
	for _, item := range gjson.Get(body, "ibans").Array() {
		v := strings.TrimSpace(item.String())
		if isIBAN(v) && (strings.Contains(text, v) || strings.Contains(text, strings.ReplaceAll(v, " ", ""))) {
			d.IBANs = append(d.IBANs, v)
		}
	}
	return d
}

// Redact returns a copy of tree with every detected instance replaced by
// its category placeholder. The input tree is not modified.
func (s *Sanitizer) Redact(tree jsontree.Value, d Detection) jsontree.Value {
	if d.Empty() {
		return tree
	}

	return tree.MapString(func(leaf string) string {
		for _, v := range d.Emails {
			leaf = strings.ReplaceAll(leaf, v, PlaceholderEmail)
		}
		for _, v := range d.IPAddresses {
			leaf = strings.ReplaceAll(leaf, v, PlaceholderIPv4)
		}
		for _, v := range d.IBANs {
			leaf = strings.ReplaceAll(leaf, v, PlaceholderIBAN)
		}
		return leaf
	})
}

// collectLeaves concatenates every string leaf, newline-separated, in
// traversal order.
func collectLeaves(tree jsontree.Value) string {
	var sb strings.Builder
	tree.WalkStrings(func(leaf string) bool {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(leaf)
		return true
	})
	return sb.String()
}

// extractJSONObject pulls the first {...} block out of a reply that may
// be wrapped in prose or a code fence.
func extractJSONObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func isEmail(v string) bool {
	return emailPattern.MatchString(v)
}

func isIPv4(v string) bool {
	ip := net.ParseIP(v)
	return ip != nil && ip.To4() != nil && strings.Count(v, ".") == 3
}

// isIBAN checks shape (country code, check digits, length) and the
// ISO 7064 mod-97 checksum.
func isIBAN(v string) bool {
	iban := strings.ToUpper(strings.ReplaceAll(v, " ", ""))
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}
	for i := 0; i < 2; i++ {
		if iban[i] < 'A' || iban[i] > 'Z' {
			return false
		}
	}
	for i := 2; i < 4; i++ {
		if iban[i] < '0' || iban[i] > '9' {
			return false
		}
	}

	// Move the first four characters to the end, expand letters to
	// numbers (A=10..Z=35), and take the result mod 97.
	rearranged := iban[4:] + iban[:4]
	rem := 0
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			rem = (rem*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			n := int(r-'A') + 10
			rem = (rem*100 + n) % 97
		default:
			return false
		}
	}
	return rem == 1
}
