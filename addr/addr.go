// Package addr provides IDNA aware parsing of the envelope addresses and
// hostnames carried by MailFrom, RcptTo and Connect commands.
package addr

import (
	"strings"

	"golang.org/x/net/idna"
)

// IDNAProfile is the [*idna.Profile] used to parse and generate the ASCII
// representation of domain names.
//
// This defaults to [idna.Lookup] but you can use any [*idna.Profile] you like.
var IDNAProfile = idna.Lookup

// split a user@domain address into user and domain.
// Includes the input address as third slice element to quickly check if
// splitting must be re-done.
func split(raw string) []string {
	at := strings.LastIndex(raw, "@")
	if at < 0 {
		return []string{raw, "", raw}
	}
	return []string{raw[:at], raw[at+1:], raw}
}

// Addr is an email address, lazily split into local part and domain with
// IDNA conversion cached on first use.
type Addr struct {
	Raw           string
	parts         []string
	asciiDomain   string
	unicodeDomain string
}

// New wraps raw as an [Addr]. raw is used verbatim; no angle-bracket
// stripping or escape decoding happens here, that is the command decoder's
// job.
func New(raw string) *Addr {
	return &Addr{Raw: raw}
}

func (a *Addr) initParts() {
	if len(a.parts) != 3 || a.parts[2] != a.Raw {
		a.parts = split(a.Raw)
		a.asciiDomain = ""
		a.unicodeDomain = ""
	}
}

// Local returns the part of the address in front of the @ symbol.
// If the address does not include an @ the whole address is returned.
func (a *Addr) Local() string {
	a.initParts()
	return a.parts[0]
}

// Domain returns the part of the address after the @ symbol, as-is without
// any validation. If the address does not include an @ an empty string is
// returned.
func (a *Addr) Domain() string {
	a.initParts()
	return a.parts[1]
}

// AsciiDomain returns Domain converted to its ASCII (punycode) representation.
// If Domain cannot be converted (e.g. invalid UTF-8 data), the unchanged
// Domain value is returned.
func (a *Addr) AsciiDomain() string {
	domain := a.Domain()
	if domain == "" {
		return ""
	}
	if a.asciiDomain != "" {
		return a.asciiDomain
	}
	ascii, err := IDNAProfile.ToASCII(domain)
	if err != nil {
		a.asciiDomain = domain
		return domain
	}
	a.asciiDomain = ascii
	return ascii
}

// UnicodeDomain returns Domain converted to its Unicode representation.
// If Domain cannot be converted (e.g. invalid UTF-8 data), the unchanged
// Domain value is returned.
func (a *Addr) UnicodeDomain() string {
	domain := a.Domain()
	if domain == "" {
		return ""
	}
	if a.unicodeDomain != "" {
		return a.unicodeDomain
	}
	unicode, err := IDNAProfile.ToUnicode(domain)
	if err != nil {
		a.unicodeDomain = domain
		return domain
	}
	a.unicodeDomain = unicode
	return unicode
}

// ToASCII converts a bare hostname (no local part, as carried by Connect) to
// its ASCII (punycode) representation using IDNAProfile. If hostname cannot
// be converted, it is returned unchanged.
func ToASCII(hostname string) string {
	ascii, err := IDNAProfile.ToASCII(hostname)
	if err != nil {
		return hostname
	}
	return ascii
}

// ToUnicode converts a bare hostname (no local part, as carried by Connect)
// to its Unicode representation using IDNAProfile. If hostname cannot be
// converted, it is returned unchanged.
func ToUnicode(hostname string) string {
	unicode, err := IDNAProfile.ToUnicode(hostname)
	if err != nil {
		return hostname
	}
	return unicode
}
