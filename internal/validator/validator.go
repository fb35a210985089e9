package validator

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrInvalidEmail    = errors.New("invalid email")
	ErrInvalidUsername = errors.New("invalid username")
	ErrInvalidPassword = errors.New("invalid password")
	ErrInvalidPhone    = errors.New("invalid phone number")
	ErrInvalidProvider = errors.New("invalid provider")
)

var (
	emailRegex    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{3,30}$`)
	e164Regex     = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)
	localRegex    = regexp.MustCompile(`^[0-9]{10}$`)
	phoneNoise    = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
)

func ValidateEmail(email string) error {
	if !emailRegex.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

func ValidateUsername(username string) error {
	if !usernameRegex.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrInvalidPassword
	}
	return nil
}

// NormalizePhone returns phone in E.164 form. A bare ten-digit number is
// prefixed with countryCode (for example "+91").
func NormalizePhone(phone, countryCode string) (string, error) {
	phone = phoneNoise.Replace(strings.TrimSpace(phone))
	if localRegex.MatchString(phone) && countryCode != "" {
		phone = countryCode + phone
	}
	if !e164Regex.MatchString(phone) {
		return "", ErrInvalidPhone
	}
	return phone, nil
}

// ValidateProvider accepts an empty provider (the default) or one of allowed.
func ValidateProvider(provider string, allowed ...string) error {
	if provider == "" {
		return nil
	}
	for _, name := range allowed {
		if strings.EqualFold(provider, name) {
			return nil
		}
	}
	return ErrInvalidProvider
}
