// Package search compiles the transaction filter language into a predicate.
//
// A query is split on commas outside double quotes; each segment is either a
// key:value filter or free text. Free-text terms (quoted phrases count as one
// term) match payee name, envelope name, or memo by case-insensitive
// substring; distinct terms are ANDed, as are filter segments. Malformed
// filter values never fail the parse — they degrade to "no constraint".
package search

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TxView is the flattened transaction shape the predicate evaluates
// against. Callers resolve related-entity names before matching.
type TxView struct {
	Amount  int64 // milliunits, signed
	Date    time.Time
	Cleared bool
	Pending bool
	InInbox bool
	Deleted bool

	PayeeName    string
	EnvelopeName string
	AccountName  string
	Memo         string

	HasEnvelope          bool
	SplitCount           int // non-deleted sub-transactions
	UnassignedSplitCount int // non-deleted sub-transactions with no envelope
}

type predicate func(TxView) bool

// Query is a compiled search. The zero value matches all non-deleted
// transactions.
type Query struct {
	wantDeleted bool
	preds       []predicate
}

var (
	filterRe      = regexp.MustCompile(`^(\w+):(.*)$`)
	plainNumberRe = regexp.MustCompile(`^\d+\.?\d*$`)
	amountValRe   = regexp.MustCompile(`^([<>]=?|=)?(-?\d+\.?\d*)`)
	flowValRe     = regexp.MustCompile(`^([<>]=?|=)?(\d+\.?\d*)`)
	quotedRe      = regexp.MustCompile(`"([^"]*)"`)
)

// Parse compiles a query string. It never fails; see the package comment
// for the degradation rules.
func Parse(queryString string) *Query {
	q := &Query{}
	if strings.TrimSpace(queryString) == "" {
		return q
	}

	var textTerms []string
	for _, segment := range splitByCommas(queryString) {
		if segment == "" {
			continue
		}
		q.processSegment(segment, &textTerms)
	}

	for _, raw := range textTerms {
		term := strings.ToLower(raw)
		if term == "" {
			continue
		}
		q.preds = append(q.preds, func(v TxView) bool {
			return containsFold(v.PayeeName, term) ||
				containsFold(v.EnvelopeName, term) ||
				containsFold(v.Memo, term)
		})
	}
	return q
}

// Match evaluates the compiled predicate.
func (q *Query) Match(v TxView) bool {
	if v.Deleted != q.wantDeleted {
		return false
	}
	for _, p := range q.preds {
		if !p(v) {
			return false
		}
	}
	return true
}

// WantsDeleted reports whether the query targets the trash (in:trash).
func (q *Query) WantsDeleted() bool { return q.wantDeleted }

// splitByCommas splits on commas that are not inside double quotes.
func splitByCommas(s string) []string {
	var result []string
	var current strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ',' && !inQuotes:
			result = append(result, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		result = append(result, strings.TrimSpace(current.String()))
	}
	return result
}

func (q *Query) processSegment(segment string, textTerms *[]string) {
	if m := filterRe.FindStringSubmatch(segment); m != nil {
		key, value := m[1], strings.TrimSpace(m[2])
		switch key {
		case "is":
			q.addIsFilter(value)
		case "in":
			q.addInFilter(value)
		case "envelope":
			q.addNameFilter(value, func(v TxView) string { return v.EnvelopeName })
		case "account":
			q.addNameFilter(value, func(v TxView) string { return v.AccountName })
		case "after", "since":
			q.addDateFilter(value, dateGTE)
		case "before":
			q.addDateFilter(value, dateLTE)
		case "on":
			q.addDateFilter(value, dateEQ)
		case "amount":
			q.addAmountFilter(value)
		case "inflow":
			q.addFlowFilter(value, false)
		case "outflow":
			q.addFlowFilter(value, true)
		}
		// Unknown keys contribute no constraint.
		return
	}

	if plainNumberRe.MatchString(segment) {
		q.addMagnitudeFilter(segment)
		return
	}

	extractTerms(segment, textTerms)
}

// extractTerms pulls quoted phrases out as single terms and splits the
// remainder on whitespace.
func extractTerms(text string, terms *[]string) {
	for _, m := range quotedRe.FindAllStringSubmatch(text, -1) {
		if m[1] != "" {
			*terms = append(*terms, m[1])
		}
	}
	text = quotedRe.ReplaceAllString(text, "")
	for _, w := range strings.Fields(text) {
		*terms = append(*terms, w)
	}
}

func (q *Query) addIsFilter(value string) {
	switch value {
	case "cleared":
		q.preds = append(q.preds, func(v TxView) bool { return v.Cleared })
	case "uncleared":
		q.preds = append(q.preds, func(v TxView) bool { return !v.Cleared })
	case "pending":
		q.preds = append(q.preds, func(v TxView) bool { return v.Pending })
	case "archived":
		q.preds = append(q.preds, func(v TxView) bool { return !v.InInbox })
	case "unassigned":
		// No envelope and no splits, or at least one split lacking an
		// envelope.
		q.preds = append(q.preds, func(v TxView) bool {
			return (!v.HasEnvelope && v.SplitCount == 0) || v.UnassignedSplitCount > 0
		})
	case "split":
		q.preds = append(q.preds, func(v TxView) bool { return v.SplitCount > 0 })
	}
}

func (q *Query) addInFilter(value string) {
	switch value {
	case "inbox":
		q.preds = append(q.preds, func(v TxView) bool { return v.InInbox })
	case "trash":
		q.wantDeleted = true
	}
}

func (q *Query) addNameFilter(value string, field func(TxView) string) {
	term := strings.ToLower(value)
	q.preds = append(q.preds, func(v TxView) bool { return containsFold(field(v), term) })
}

type dateOp int

const (
	dateGTE dateOp = iota
	dateLTE
	dateEQ
)

func (q *Query) addDateFilter(value string, op dateOp) {
	d, err := time.Parse("2006-01-02", value)
	if err != nil {
		return
	}
	q.preds = append(q.preds, func(v TxView) bool {
		day := dateOnly(v.Date)
		switch op {
		case dateGTE:
			return !day.Before(d)
		case dateLTE:
			return !day.After(d)
		default:
			return day.Equal(d)
		}
	})
}

func (q *Query) addAmountFilter(value string) {
	m := amountValRe.FindStringSubmatch(value)
	if m == nil {
		return
	}
	amount, ok := toMilliunits(m[2])
	if !ok {
		return
	}
	q.preds = append(q.preds, compareAmount(m[1], amount))
}

// addFlowFilter handles inflow: and outflow:. Outflow comparisons are
// sign-flipped: outflow:>100 means "more negative than -100".
func (q *Query) addFlowFilter(value string, outflow bool) {
	m := flowValRe.FindStringSubmatch(value)
	if m == nil {
		return
	}
	amount, ok := toMilliunits(m[2])
	if !ok {
		return
	}
	op := m[1]
	if outflow {
		amount = -amount
		switch op {
		case ">":
			op = "<"
		case "<":
			op = ">"
		case ">=":
			op = "<="
		case "<=":
			op = ">="
		}
		cmp := compareAmount(op, amount)
		q.preds = append(q.preds, func(v TxView) bool { return v.Amount < 0 && cmp(v) })
		return
	}
	cmp := compareAmount(op, amount)
	q.preds = append(q.preds, func(v TxView) bool { return v.Amount > 0 && cmp(v) })
}

// addMagnitudeFilter matches a bare number against either sign of the
// amount.
func (q *Query) addMagnitudeFilter(value string) {
	amount, ok := toMilliunits(value)
	if !ok {
		return
	}
	q.preds = append(q.preds, func(v TxView) bool {
		return v.Amount == amount || v.Amount == -amount
	})
}

func compareAmount(op string, amount int64) predicate {
	switch op {
	case ">":
		return func(v TxView) bool { return v.Amount > amount }
	case "<":
		return func(v TxView) bool { return v.Amount < amount }
	case ">=":
		return func(v TxView) bool { return v.Amount >= amount }
	case "<=":
		return func(v TxView) bool { return v.Amount <= amount }
	default: // "" or "="
		return func(v TxView) bool { return v.Amount == amount }
	}
}

func toMilliunits(s string) (int64, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false
	}
	return d.Shift(3).Round(0).IntPart(), true
}

func containsFold(s, lowerTerm string) bool {
	return strings.Contains(strings.ToLower(s), lowerTerm)
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
