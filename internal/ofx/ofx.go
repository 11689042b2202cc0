// Package ofx converts OFX/QFX bank and credit card statements into the
// normalized records the import engine consumes.
package ofx

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/aclindsa/ofxgo"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/envelope-budget/backend/internal/ledger"
)

// CanParse reports whether the file looks like an OFX/QFX statement, going
// by extension and header markers.
func CanParse(path string, header []byte) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".ofx" && ext != ".qfx" {
		return false
	}
	h := strings.ToUpper(string(header))
	return strings.Contains(h, "OFXHEADER") ||
		strings.Contains(h, "<?OFX") ||
		strings.Contains(h, "<OFX>")
}

// Parse reads an OFX document and returns its transactions as external
// records. Bank and credit card statements are supported; a statement with
// neither is an error.
func Parse(r io.Reader) ([]ledger.ExternalRecord, error) {
	resp, err := ofxgo.ParseResponse(r)
	if err != nil {
		return nil, fmt.Errorf("parse ofx: %w", err)
	}
	return Records(resp)
}

// Records extracts external records from a parsed OFX response.
func Records(resp *ofxgo.Response) ([]ledger.ExternalRecord, error) {
	for _, msg := range resp.Bank {
		stmt, ok := msg.(*ofxgo.StatementResponse)
		if !ok {
			continue
		}
		if stmt.BankTranList == nil {
			return nil, fmt.Errorf("bank statement has no transaction list")
		}
		return convert(stmt.BankTranList.Transactions), nil
	}
	for _, msg := range resp.CreditCard {
		stmt, ok := msg.(*ofxgo.CCStatementResponse)
		if !ok {
			continue
		}
		if stmt.BankTranList == nil {
			return nil, fmt.Errorf("credit card statement has no transaction list")
		}
		return convert(stmt.BankTranList.Transactions), nil
	}
	return nil, fmt.Errorf("no bank or credit card statement in ofx response (bank: %d, creditcard: %d)",
		len(resp.Bank), len(resp.CreditCard))
}

func convert(txns []ofxgo.Transaction) []ledger.ExternalRecord {
	records := make([]ledger.ExternalRecord, 0, len(txns))
	for _, txn := range txns {
		date := txn.DtPosted.Time
		if date.IsZero() {
			date = txn.DtUser.Time
		}
		payee := strings.TrimSpace(txn.Name.String())
		if payee == "" && txn.Payee != nil {
			payee = strings.TrimSpace(txn.Payee.Name.String())
		}
		records = append(records, ledger.ExternalRecord{
			ExternalID: txn.FiTID.String(),
			Date:       date,
			// Exact decimal conversion; OFX amounts are rationals and a
			// float round trip can lose cents.
			Amount:    decimal.NewFromBigRat(&txn.TrnAmt.Rat, 3),
			PayeeName: payee,
			Memo:      strings.TrimSpace(txn.Memo.String()),
		})
	}
	return records
}

var payeeTitler = cases.Title(language.English)

// TitlePayee normalizes a shouty statement payee ("COFFEE SHOP 0012") into
// title case for display. Already mixed-case names pass through untouched.
func TitlePayee(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return trimmed
	}
	if trimmed != strings.ToUpper(trimmed) {
		return trimmed
	}
	return payeeTitler.String(strings.ToLower(trimmed))
}
