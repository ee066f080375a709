// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package protocol

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FoldAccents strips combining marks after canonical decomposition, so
// "Müller" becomes "Muller".
func FoldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Sanitize folds accents and drops everything outside [A-Za-z0-9 -.:].
func Sanitize(s string) string {
	s = FoldAccents(s)
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ', r == '-', r == '.', r == ':':
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// CleanName prepares a session name for the device: restricted profiles
// sanitize it, every profile truncates it to NameMaxLen runes.
func (p *Profile) CleanName(name string) string {
	name = strings.TrimSpace(name)
	if p.RestrictCharset {
		name = Sanitize(name)
	}
	if p.NameMaxLen > 0 && utf8.RuneCountInString(name) > p.NameMaxLen {
		name = string([]rune(name)[:p.NameMaxLen])
	}
	return strings.TrimSpace(name)
}

func (p *Profile) flatText(s string) string {
	if p.TextEncoding == TextSanitize || p.RestrictCharset {
		return Sanitize(s)
	}
	return EncodeURIComponent(s)
}

func (p *Profile) jsonText(s string) string {
	if p.RestrictCharset {
		return Sanitize(s)
	}
	return s
}

// EncodeURIComponent percent-encodes s over its UTF-8 bytes, leaving
// A-Z a-z 0-9 and - _ . ! ~ * ' ( ) unescaped.
func EncodeURIComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreservedURI(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hex[c>>4])
		sb.WriteByte(hex[c&0x0f])
	}
	return sb.String()
}

func unreservedURI(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}
