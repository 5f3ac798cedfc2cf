package order

import (
	"errors"
	"fmt"
	"regexp"
)

var ErrInvalidDestination = errors.New("order: invalid destination")

type DestinationKind string

const (
	DestinationPhone   DestinationKind = "phone"
	DestinationTill    DestinationKind = "till"
	DestinationPaybill DestinationKind = "paybill"
	DestinationBank    DestinationKind = "bank"
)

var (
	phonePattern   = regexp.MustCompile(`^\+?[0-9]{9,15}$`)
	shortcodeRegex = regexp.MustCompile(`^[0-9]{5,7}$`)
)

// Destination is a tagged union: Kind selects which of the remaining fields
// are meaningful.
type Destination struct {
	Kind DestinationKind `json:"kind"`

	Phone         string `json:"phone,omitempty"`
	TillNumber    string `json:"till_number,omitempty"`
	PaybillNumber string `json:"paybill_number,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	BankCode      string `json:"bank_code,omitempty"`
	AccountName   string `json:"account_name,omitempty"`
}

func PhoneDestination(phone string) Destination {
	return Destination{Kind: DestinationPhone, Phone: phone}
}

func TillDestination(till string) Destination {
	return Destination{Kind: DestinationTill, TillNumber: till}
}

func PaybillDestination(paybill, account string) Destination {
	return Destination{Kind: DestinationPaybill, PaybillNumber: paybill, AccountNumber: account}
}

func BankDestination(account, bankCode, accountName string) Destination {
	return Destination{Kind: DestinationBank, AccountNumber: account, BankCode: bankCode, AccountName: accountName}
}

// Validate rejects fields that do not belong to the selected kind as well as
// missing or malformed required ones.
func (d Destination) Validate() error {
	switch d.Kind {
	case DestinationPhone:
		if !phonePattern.MatchString(d.Phone) {
			return fmt.Errorf("%w: phone %q", ErrInvalidDestination, d.Phone)
		}
		if d.TillNumber != "" || d.PaybillNumber != "" || d.AccountNumber != "" || d.BankCode != "" {
			return fmt.Errorf("%w: phone destination carries foreign fields", ErrInvalidDestination)
		}
	case DestinationTill:
		if !shortcodeRegex.MatchString(d.TillNumber) {
			return fmt.Errorf("%w: till %q", ErrInvalidDestination, d.TillNumber)
		}
		if d.Phone != "" || d.PaybillNumber != "" || d.AccountNumber != "" || d.BankCode != "" {
			return fmt.Errorf("%w: till destination carries foreign fields", ErrInvalidDestination)
		}
	case DestinationPaybill:
		if !shortcodeRegex.MatchString(d.PaybillNumber) {
			return fmt.Errorf("%w: paybill %q", ErrInvalidDestination, d.PaybillNumber)
		}
		if d.AccountNumber == "" {
			return fmt.Errorf("%w: paybill account number is required", ErrInvalidDestination)
		}
		if d.Phone != "" || d.TillNumber != "" || d.BankCode != "" {
			return fmt.Errorf("%w: paybill destination carries foreign fields", ErrInvalidDestination)
		}
	case DestinationBank:
		if d.AccountNumber == "" || d.BankCode == "" {
			return fmt.Errorf("%w: bank account number and code are required", ErrInvalidDestination)
		}
		if d.Phone != "" || d.TillNumber != "" || d.PaybillNumber != "" {
			return fmt.Errorf("%w: bank destination carries foreign fields", ErrInvalidDestination)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDestination, d.Kind)
	}
	return nil
}

// Identifier is the single string a vendor addresses the payout to.
func (d Destination) Identifier() string {
	switch d.Kind {
	case DestinationPhone:
		return d.Phone
	case DestinationTill:
		return d.TillNumber
	case DestinationPaybill:
		return d.PaybillNumber
	default:
		return d.AccountNumber
	}
}
