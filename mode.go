package sslmanager

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// VerificationMode selects how a Context verifies the certificate presented
// by its peer.
type VerificationMode int

const (
	// VerifyNone performs no peer verification. Servers do not request a
	// client certificate.
	VerifyNone VerificationMode = iota
	// VerifyRelaxed verifies the peer certificate if one is presented. Clients
	// always receive one, so for clients this is the same as VerifyStrict.
	VerifyRelaxed
	// VerifyStrict verifies the peer certificate and, for servers, requires
	// that the client presents one.
	VerifyStrict
	// VerifyOnce behaves like VerifyRelaxed but skips verification on
	// resumed sessions.
	VerifyOnce
)

// ErrUnknownVerificationMode is returned when text does not name a
// VerificationMode.
var ErrUnknownVerificationMode = errors.New("unknown verification mode")

const unknownModeString = "UNKNOWN"

var modeNames = [...]string{
	VerifyNone:    "VERIFY_NONE",
	VerifyRelaxed: "VERIFY_RELAXED",
	VerifyStrict:  "VERIFY_STRICT",
	VerifyOnce:    "VERIFY_ONCE",
}

// VerificationModes lists every mode in declaration order.
func VerificationModes() []VerificationMode {
	return []VerificationMode{VerifyNone, VerifyRelaxed, VerifyStrict, VerifyOnce}
}

func (m VerificationMode) valid() bool {
	return m >= VerifyNone && int(m) < len(modeNames)
}

// String returns the canonical name of the mode, or "UNKNOWN".
func (m VerificationMode) String() string {
	if !m.valid() {
		return unknownModeString
	}
	return modeNames[m]
}

// ParseVerificationMode returns the mode named by s. Unrecognized text yields
// VerifyStrict together with ErrUnknownVerificationMode.
func ParseVerificationMode(s string) (VerificationMode, error) {
	for i, name := range modeNames {
		if s == name {
			return VerificationMode(i), nil
		}
	}
	return VerifyStrict, fmt.Errorf("%w: %q", ErrUnknownVerificationMode, s)
}

// MarshalText implements encoding.TextMarshaler.
func (m VerificationMode) MarshalText() ([]byte, error) {
	if !m.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVerificationMode, int(m))
	}
	return []byte(modeNames[m]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unlike FromString it
// rejects unknown text, so a misspelled mode in configuration is reported.
func (m *VerificationMode) UnmarshalText(text []byte) error {
	mode, err := ParseVerificationMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *VerificationMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return m.UnmarshalText([]byte(s))
}
