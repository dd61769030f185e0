// Package geo resolves phone numbers to country names for proxy selection.
package geo

import (
	"errors"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// ErrInvalidNumber is returned for phone numbers that cannot be parsed.
var ErrInvalidNumber = errors.New("invalid phone number")

// CountryForPhoneNumber returns the English country name for a phone number
// in international format. US numbers always resolve to "United States"
// rather than a state name.
func CountryForPhoneNumber(phone string) (string, error) {
	num, err := phonenumbers.Parse(phone, "")
	if err != nil {
		return "", ErrInvalidNumber
	}

	region := phonenumbers.GetRegionCodeForNumber(num)
	if region == "" || region == "ZZ" {
		return "", ErrInvalidNumber
	}
	if region == "US" {
		return "United States", nil
	}

	tag, err := language.ParseRegion(region)
	if err != nil {
		return "", ErrInvalidNumber
	}
	name := display.Regions(language.English).Name(tag)
	if name == "" {
		return "", ErrInvalidNumber
	}
	return name, nil
}
