package sslmanager

import (
	"crypto/x509"
	"fmt"
	"reflect"
	"strings"
)

// VerificationErrorArgs describes a peer certificate that failed
// verification. Observers set Ignore to accept the peer anyway.
type VerificationErrorArgs struct {
	Role        Role
	Certificate *x509.Certificate // nil if the peer sent none
	Chain       []*x509.Certificate
	Err         error
	Ignore      bool
}

const verificationTimeFormat = "2006-01-02 15:04:05.000"

// String renders the failure and the offending certificate for logs.
func (a *VerificationErrorArgs) String() string {
	const rule = "======================================================\n"

	var b strings.Builder
	b.WriteString(rule)
	fmt.Fprintf(&b, "%s verification error:\n", a.Role)
	fmt.Fprintf(&b, "%15s%v\n", "Message: ", a.Err)
	fmt.Fprintf(&b, "%15s%d\n", "Chain: ", len(a.Chain))
	b.WriteString(rule)
	if cert := a.Certificate; cert != nil {
		b.WriteString("Certificate:\n")
		fmt.Fprintf(&b, "%15s%s\n", "Issued By: ", cert.Issuer)
		fmt.Fprintf(&b, "%15s%s\n", "Subject Name: ", cert.Subject)
		fmt.Fprintf(&b, "%15s%s\n", "Common Name: ", cert.Subject.CommonName)
		fmt.Fprintf(&b, "%15s%s\n", "Valid From: ", cert.NotBefore.UTC().Format(verificationTimeFormat))
		fmt.Fprintf(&b, "%15s%s\n", "Expires On: ", cert.NotAfter.UTC().Format(verificationTimeFormat))
		b.WriteString(rule)
	}
	return b.String()
}

// PassphraseRequest is raised when an encrypted private key is loaded.
// Observers set Passphrase; the value left after all observers ran is used.
type PassphraseRequest struct {
	Role           Role
	PrivateKeyFile string
	Passphrase     string
}

// EventHandler receives the events raised by contexts. Manager implements
// it; custom providers can use it to forward their own events.
type EventHandler interface {
	HandleVerificationError(args *VerificationErrorArgs)
	HandlePassphraseRequired(req *PassphraseRequest)
}

// PassphraseObserver is notified when a private key passphrase is needed.
type PassphraseObserver interface {
	OnPrivateKeyPassphraseRequired(req *PassphraseRequest)
}

// ClientObserver is notified of client context events.
type ClientObserver interface {
	PassphraseObserver
	OnClientVerificationError(args *VerificationErrorArgs)
}

// ServerObserver is notified of server context events.
type ServerObserver interface {
	PassphraseObserver
	OnServerVerificationError(args *VerificationErrorArgs)
}

// Observer is notified of every event.
//
// Observers are unregistered by equality, so they should be pointers or
// other comparable values. An observer whose type holds a slice, map or
// func cannot be unregistered.
type Observer interface {
	ClientObserver
	ServerObserver
}

// observers keeps one ordered list per event. Registering the same observer
// twice delivers events to it twice.
type observers struct {
	client     []ClientObserver
	server     []ServerObserver
	passphrase []PassphraseObserver
}

// removeFirst drops the first element equal to v. Observers whose dynamic
// type is not comparable are never equal to anything and stay registered.
func removeFirst[T comparable](list []T, v T) []T {
	if typ := reflect.TypeOf(v); typ != nil && !typ.Comparable() {
		return list
	}
	for i, o := range list {
		if o == v {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
