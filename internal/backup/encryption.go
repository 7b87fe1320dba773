package backup

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"filippo.io/age"
	"filippo.io/age/agessh"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/scrypt"

	"github.com/CrackerCat/Android-DataBackup/pkg/bech32"
)

const (
	passphraseSalt      = "databackup/age-passphrase/v1"
	passphraseScryptN   = 1 << 15
	passphraseScryptR   = 8
	passphraseScryptP   = 1
	minPassphraseLength = 12
)

// ErrNoRecipients is returned when encryption is requested without any
// usable recipient.
var ErrNoRecipients = errors.New("no AGE recipients configured")

var weakPassphrases = []string{
	"password", "123456", "123456789", "qwerty", "abc123",
	"letmein", "admin", "welcome", "iloveyou", "monkey",
}

// ParseRecipients accepts age1 keys, ssh public keys and paths to recipient
// files, in any mix. Duplicates are dropped.
func ParseRecipients(values []string) ([]age.Recipient, error) {
	var flat []string
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if looksLikeRecipient(value) {
			flat = append(flat, value)
			continue
		}
		fromFile, err := readRecipientFile(value)
		if err != nil {
			return nil, fmt.Errorf("read recipient file %s: %w", value, err)
		}
		flat = append(flat, fromFile...)
	}
	flat = dedupe(flat)
	if len(flat) == 0 {
		return nil, ErrNoRecipients
	}

	parsed := make([]age.Recipient, 0, len(flat))
	for _, value := range flat {
		recipient, err := parseRecipientString(value)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, recipient)
	}
	return parsed, nil
}

func looksLikeRecipient(value string) bool {
	return strings.HasPrefix(value, "age1") || strings.HasPrefix(strings.ToLower(value), "ssh-")
}

func parseRecipientString(value string) (age.Recipient, error) {
	switch {
	case strings.HasPrefix(value, "age1"):
		return age.ParseX25519Recipient(value)
	case strings.HasPrefix(strings.ToLower(value), "ssh-"):
		return agessh.ParseRecipient(value)
	default:
		return nil, fmt.Errorf("unsupported AGE recipient format: %s", value)
	}
}

func readRecipientFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ReadIdentityFile parses an age identity file (X25519 secret keys).
func ReadIdentityFile(path string) ([]age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer f.Close()
	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	return ids, nil
}

// DeriveRecipient maps a passphrase to a deterministic X25519 recipient so
// the same passphrase can later decrypt through DeriveIdentity.
func DeriveRecipient(passphrase string) (string, error) {
	key, err := deriveScalar(passphrase)
	if err != nil {
		return "", err
	}
	public, err := curve25519.X25519(key, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive X25519 public key: %w", err)
	}
	recipient, err := bech32.Encode("age", public)
	if err != nil {
		return "", fmt.Errorf("encode passphrase recipient: %w", err)
	}
	return recipient, nil
}

// DeriveIdentity is the decrypting half of DeriveRecipient.
func DeriveIdentity(passphrase string) (age.Identity, error) {
	key, err := deriveScalar(passphrase)
	if err != nil {
		return nil, err
	}
	secret, err := bech32.Encode("AGE-SECRET-KEY-", key)
	if err != nil {
		return nil, fmt.Errorf("encode secret key: %w", err)
	}
	return age.ParseX25519Identity(strings.ToUpper(secret))
}

func deriveScalar(passphrase string) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), []byte(passphraseSalt), passphraseScryptN, passphraseScryptR, passphraseScryptP, curve25519.ScalarSize)
	if err != nil {
		return nil, fmt.Errorf("derive key from passphrase: %w", err)
	}
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
	return key, nil
}

// ValidatePassphrase rejects short, single-class or well-known passphrases.
func ValidatePassphrase(pass string) error {
	if len(pass) < minPassphraseLength {
		return fmt.Errorf("passphrase too short; use at least %d characters", minPassphraseLength)
	}
	var lower, upper, digit, symbol bool
	for _, r := range pass {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	classes := 0
	for _, ok := range []bool{lower, upper, digit, symbol} {
		if ok {
			classes++
		}
	}
	if classes < 3 {
		return fmt.Errorf("passphrase must mix at least three character classes")
	}
	for _, weak := range weakPassphrases {
		if strings.EqualFold(pass, weak) {
			return fmt.Errorf("passphrase is too common")
		}
	}
	return nil
}
