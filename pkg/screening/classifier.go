package screening

import (
	"context"
	"log/slog"
	"strings"
)

// financialKeywords are unambiguous financial-service terms. A single
// match at the start of a word classifies the text as financial without
// an LLM call.
var financialKeywords = []string{
	// banking and accounts
	"bank account", "bank transfer", "banking", "wire transfer", "iban",
	"account balance", "checking account", "savings account", "overdraft",
	// lending
	"loan", "mortgage", "credit card", "credit score", "refinanc",
	"interest rate", "apr",
	// investment
	"invest", "stock", "bond", "portfolio", "dividend", "etf",
	"mutual fund", "brokerage", "hedge fund",
	// insurance
	"insurance", "premium", "deductible", "underwriting",
	// cryptocurrency
	"crypto", "bitcoin", "ethereum", "blockchain wallet",
	// tax and payments
	"tax return", "taxes", "irs", "payment", "invoice", "payroll",
	"remittance",
}

// borderlineKeywords are general economic-context words. They do not
// classify on their own; they mark a text as borderline, which triggers
// the stricter second pass when strict mode is on.
var borderlineKeywords = []string{
	"economy", "economic", "inflation", "market", "budget", "money",
	"price", "salary", "income", "trade",
}

const classifySystemPrompt = `You are a content policy classifier. Decide whether the user text is about financial services, personal finance, or financial transactions. Reply with exactly one word: FINANCIAL or NON_FINANCIAL.`

const classifyStrictSystemPrompt = `You are a strict content policy classifier. Only texts whose PRIMARY subject is financial services, personal finance, or financial transactions are financial. Mentions of money in passing are NOT financial. Reply with exactly one word: FINANCIAL or NON_FINANCIAL.`

// Classifier decides whether request content is financial. The keyword
// dictionary short-circuits unambiguous cases; everything else goes to
// the LLM. On LLM failure the keyword verdict stands.
type Classifier struct {
	llm    Completer
	strict bool
	logger *slog.Logger
}

// NewClassifier creates a classifier. strict enables the borderline
// second pass.
func NewClassifier(llm Completer, strict bool) *Classifier {
	return &Classifier{
		llm:    llm,
		strict: strict,
		logger: slog.Default().With("component", "screening.classifier"),
	}
}

// IsFinancial reports whether text is financial content.
func (c *Classifier) IsFinancial(ctx context.Context, text string) bool {
	if containsKeyword(text, financialKeywords) {
		return true
	}

	verdict, err := c.ask(ctx, classifySystemPrompt, text)
	if err != nil {
		// The keyword check already said no; stay with it.
		c.logger.Warn("policy classification failed, using keyword verdict", "error", err)
		return false
	}
	if !verdict {
		return false
	}

	// Borderline texts need both passes to agree in strict mode.
	if c.strict && containsKeyword(text, borderlineKeywords) {
		second, err := c.ask(ctx, classifyStrictSystemPrompt, text)
		if err != nil {
			c.logger.Warn("strict policy pass failed, using keyword verdict", "error", err)
			return false
		}
		return second
	}

	return true
}

// ask runs one classification pass. Any reply other than the exact token
// FINANCIAL counts as non-financial.
func (c *Classifier) ask(ctx context.Context, prompt, text string) (bool, error) {
	reply, err := c.llm.Complete(ctx, prompt, text)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(strings.ToUpper(reply)) == "FINANCIAL", nil
}

// containsKeyword does case-insensitive matching anchored at the start of
// a word only: every keyword also matches longer words that begin with it
// (so "invest" matches "investment", and "apr" matches "april").
func containsKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		idx := strings.Index(lower, kw)
		for idx >= 0 {
			beforeOK := idx == 0 || !isWordChar(lower[idx-1])
			if beforeOK {
				return true
			}
			next := strings.Index(lower[idx+1:], kw)
			if next < 0 {
				break
			}
			idx = idx + 1 + next
		}
	}
	return false
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}
