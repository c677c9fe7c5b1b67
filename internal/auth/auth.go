// Package auth checks the shared token a client presents in its hello.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator decides whether a hello token may open a channel.
type Validator interface {
	Validate(token string) error
}

// Tokens accepts any of a fixed set of tokens. Holding more than one lets
// an operator rotate the daemon token without cutting off running clients.
type Tokens struct {
	accepted [][]byte
}

// NewTokens ignores blank entries. A set with no usable token rejects every
// hello.
func NewTokens(tokens ...string) Tokens {
	t := Tokens{}
	for _, tok := range tokens {
		if tok = strings.TrimSpace(tok); tok != "" {
			t.accepted = append(t.accepted, []byte(tok))
		}
	}
	return t
}

// ParseTokens splits a comma separated list, as written in the daemon config.
func ParseTokens(raw string) Tokens {
	return NewTokens(strings.Split(raw, ",")...)
}

func (t Tokens) Len() int { return len(t.accepted) }

func (t Tokens) Validate(token string) error {
	presented := []byte(token)
	match := 0
	for _, want := range t.accepted {
		// No early exit: every candidate is compared.
		match |= subtle.ConstantTimeCompare(want, presented)
	}
	if match != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}
