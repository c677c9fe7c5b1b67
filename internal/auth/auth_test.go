package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/mediactl/internal/testutil/testlog"
)

func TestTokensValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		tokens  Tokens
		input   string
		wantErr error
	}{
		{name: "empty set denied", tokens: NewTokens(), input: "abc", wantErr: ErrUnauthorized},
		{name: "blank entries ignored", tokens: NewTokens(" ", ""), input: "", wantErr: ErrUnauthorized},
		{name: "mismatch denied", tokens: NewTokens("abc"), input: "xyz", wantErr: ErrUnauthorized},
		{name: "match accepted", tokens: NewTokens("abc"), input: "abc", wantErr: nil},
		{name: "rotated token accepted", tokens: ParseTokens("old, new"), input: "new", wantErr: nil},
		{name: "prefix denied", tokens: NewTokens("abcdef"), input: "abc", wantErr: ErrUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.tokens.Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestParseTokensTrims(t *testing.T) {
	testlog.Start(t)
	if n := ParseTokens(" a ,, b ,").Len(); n != 2 {
		t.Fatalf("expected 2 tokens, got %d", n)
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}
